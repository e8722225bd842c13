package broker

import (
	"fmt"
	"regexp"
	"strings"
)

// --- Input Validation ---

// uuidRegex matches the canonical 8-4-4-4-12 lowercase hex form.
var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// safeFilenameRegex allows alphanumeric, dots, hyphens, underscores, spaces, and parentheses.
var safeFilenameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._ ()-]{0,254}$`)

// idRegex covers project and task identifiers: UUIDs and the short
// slugs development backends hand out.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

func validateID(field, id string) error {
	if !idRegex.MatchString(id) {
		return fmt.Errorf("invalid %s: must be 1-64 alphanumeric, hyphen or underscore characters", field)
	}
	return nil
}

func validateBatchID(id string) error {
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid batch_id: must be a UUID (e.g., a1b2c3d4-e5f6-7890-abcd-ef1234567890)")
	}
	return nil
}

func validateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("file name is required")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("file name contains invalid characters")
	}
	if !safeFilenameRegex.MatchString(name) {
		return fmt.Errorf("file name contains invalid characters; only alphanumeric, dots, hyphens, underscores, spaces, and parentheses allowed")
	}
	return nil
}

// validateFileKey accepts the two key shapes objectKey produces:
// projects/<project>/user-uploads/<file> and projects/<project>/<task>/images/<file>.
func validateFileKey(key string) error {
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid file_key")
	}
	parts := strings.Split(key, "/")
	if len(parts) < 4 || parts[0] != "projects" || !idRegex.MatchString(parts[1]) {
		return fmt.Errorf("invalid file_key format: expected projects/<project>/...")
	}
	switch {
	case len(parts) == 4 && parts[2] == "user-uploads":
		return validateFilename(parts[3])
	case len(parts) == 5 && idRegex.MatchString(parts[2]) && parts[3] == "images":
		return validateFilename(parts[4])
	}
	return fmt.Errorf("invalid file_key format: expected projects/<project>/user-uploads/<file> or projects/<project>/<task>/images/<file>")
}

// keyProject returns the project segment of a validated file key.
func keyProject(key string) string {
	return strings.Split(key, "/")[1]
}

// objectKey places staging uploads under the project's user-uploads prefix
// and task uploads next to the task's other imagery.
func objectKey(projectID, fileName string, staging bool, taskID *string) string {
	if !staging && taskID != nil {
		return "projects/" + projectID + "/" + *taskID + "/images/" + fileName
	}
	return "projects/" + projectID + "/user-uploads/" + fileName
}
