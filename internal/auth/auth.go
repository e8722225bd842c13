// Package auth resolves the bearer token used against the imagery backend.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

const (
	// TokenEnv holds the token directly.
	TokenEnv = "DRONE_INGEST_TOKEN"

	credentialDir  = ".drone-ingest"
	credentialFile = "credentials.gpg"
)

// ErrNoToken is returned when no source yields a token.
var ErrNoToken = errors.New("API token not found. Pass --token, set DRONE_INGEST_TOKEN, configure DRONE_INGEST_TOKEN_SSM_PARAM, or store it in ~/.drone-ingest/credentials.gpg")

// ParameterGetter is the SSM call used for token lookup. *ssm.Client
// satisfies it.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Sources lists where a token may come from.
type Sources struct {
	// Explicit is a token passed on the command line.
	Explicit string
	// SSM and SSMParam enable Parameter Store lookup (SecureString).
	SSM      ParameterGetter
	SSMParam string
}

// Source names where a resolved token came from, for run summaries.
type Source string

const (
	SourceFlag Source = "flag"
	SourceEnv  Source = "env"
	SourceSSM  Source = "ssm"
	SourceGPG  Source = "gpg"
	SourceNone Source = "none"
)

// GetToken resolves the API token. Priority order:
//  1. Explicit (the --token flag)
//  2. DRONE_INGEST_TOKEN environment variable
//  3. SSM Parameter Store, when a parameter name and client are configured
//  4. GPG-encrypted file at ~/.drone-ingest/credentials.gpg
//
// Development backends accept anonymous calls, so callers may choose to
// continue with an empty token on ErrNoToken.
func GetToken(ctx context.Context, src Sources) (string, Source, error) {
	if src.Explicit != "" {
		return src.Explicit, SourceFlag, nil
	}
	if token := os.Getenv(TokenEnv); token != "" {
		log.Debug().Msg("Using API token from environment variable")
		return token, SourceEnv, nil
	}
	if src.SSM != nil && src.SSMParam != "" {
		token, err := getFromSSM(ctx, src.SSM, src.SSMParam)
		if err != nil {
			return "", SourceNone, err
		}
		return token, SourceSSM, nil
	}

	token, err := getFromGPG()
	if err == nil && token != "" {
		log.Debug().Msg("Using API token from GPG encrypted file")
		return token, SourceGPG, nil
	}
	log.Debug().Err(err).Msg("No GPG token available")
	return "", SourceNone, ErrNoToken
}

func getFromSSM(ctx context.Context, client ParameterGetter, param string) (string, error) {
	start := time.Now()
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read API token from SSM %s: %w", param, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", fmt.Errorf("read API token from SSM %s: parameter is empty", param)
	}
	log.Debug().Str("param", param).Dur("elapsed", time.Since(start)).Msg("API token loaded from SSM")
	return aws.ToString(out.Parameter.Value), nil
}

// getFromGPG decrypts the token from the GPG-encrypted credentials file.
func getFromGPG() (string, error) {
	credPath, err := getCredentialPath()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(credPath); os.IsNotExist(err) {
		return "", fmt.Errorf("GPG credentials file not found at %s", credPath)
	}

	log.Debug().Str("file", credPath).Msg("Decrypting GPG credentials")

	args := []string{"--decrypt", "--quiet"}

	if passphrasePath, ok := getPassphrasePath(); ok {
		fi, statErr := os.Stat(passphrasePath)
		if statErr == nil {
			// The passphrase file must be owner-only.
			mode := fi.Mode().Perm()
			if mode&0077 != 0 {
				log.Warn().
					Str("passphrase_file", passphrasePath).
					Str("permissions", fmt.Sprintf("%04o", mode)).
					Msg("Passphrase file has insecure permissions (should be 0600); skipping")
			} else {
				log.Debug().Str("passphrase_file", passphrasePath).Msg("Using passphrase file for GPG decryption")
				args = append(args, "--pinentry-mode", "loopback", "--passphrase-file", passphrasePath)
			}
		}
	}

	args = append(args, credPath)
	output, err := exec.Command("gpg", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("GPG decryption failed: %s", string(exitErr.Stderr))
		}
		return "", fmt.Errorf("GPG decryption failed: %w", err)
	}

	return strings.TrimSpace(string(output)), nil
}

// getCredentialPath returns the full path to the credentials file.
func getCredentialPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, credentialDir, credentialFile), nil
}

// getPassphrasePath looks for .gpg-passphrase next to the credentials file,
// allowing non-interactive decryption on field laptops and CI.
func getPassphrasePath() (string, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	p := filepath.Join(home, credentialDir, ".gpg-passphrase")
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}
