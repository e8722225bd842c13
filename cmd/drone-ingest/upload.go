package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/drone-ingest/internal/batch"
	"github.com/fpang/drone-ingest/internal/batchview"
	"github.com/fpang/drone-ingest/internal/cli"
	"github.com/fpang/drone-ingest/internal/imagery"
	"github.com/fpang/drone-ingest/internal/upload"
)

type uploadFlags struct {
	project  string
	dir      string
	task     string
	staging  bool
	batchID  string
	classify bool
	watch    bool
	maxDepth int
	limit    int
	skipExif bool

	chunkSizeMB     int
	partConcurrency int
	fileConcurrency int
}

func newUploadCmd(a *app) *cobra.Command {
	f := &uploadFlags{}
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a directory of drone images",
		Long: `Upload scans a directory for drone images (JPEG, TIFF, DNG), checks their
EXIF GPS tags, and uploads them in parts through the backend's multipart
broker. With --staging the files form one batch; the batch id is printed
when the run ends.

Examples:
  drone-ingest upload --project 3f2a... --dir ./flight-01 --staging --classify --watch
  drone-ingest upload --project 3f2a... --dir ./flight-01 --staging --batch <id>   # add to an existing batch
  drone-ingest upload --project 3f2a... --dir ./task-7 --task <task-id>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runUpload(cmd, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.project, "project", "p", "", "Project id (required)")
	fl.StringVarP(&f.dir, "dir", "d", "", "Directory containing images (required)")
	fl.StringVar(&f.task, "task", "", "Upload straight into this task instead of a staging batch")
	fl.BoolVar(&f.staging, "staging", false, "Upload into a staging batch for classification")
	fl.StringVar(&f.batchID, "batch", "", "Continue an existing staging batch")
	fl.BoolVar(&f.classify, "classify", false, "Start classification when every file uploaded (staging only)")
	fl.BoolVar(&f.watch, "watch", false, "Follow classification until it completes (implies --classify)")
	fl.IntVar(&f.maxDepth, "max-depth", 0, "Maximum recursion depth (0 = unlimited)")
	fl.IntVar(&f.limit, "limit", 0, "Maximum images to upload (0 = unlimited)")
	fl.BoolVar(&f.skipExif, "skip-exif", false, "Skip the EXIF GPS pre-flight check")
	fl.IntVar(&f.chunkSizeMB, "chunk-size", 0, "Part size in MB, 5-100 (default $DRONE_INGEST_CHUNK_SIZE_MB or 5)")
	fl.IntVar(&f.partConcurrency, "part-concurrency", 0, "Parts in flight per file (default $DRONE_INGEST_PART_CONCURRENCY or 4)")
	fl.IntVar(&f.fileConcurrency, "file-concurrency", 0, "Files uploading at once (default $DRONE_INGEST_FILE_CONCURRENCY or 3)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func (a *app) runUpload(cmd *cobra.Command, f *uploadFlags) error {
	if f.chunkSizeMB != 0 {
		a.cfg.ChunkSizeMB = f.chunkSizeMB
	}
	if f.partConcurrency != 0 {
		a.cfg.PartConcurrency = f.partConcurrency
	}
	if f.fileConcurrency != 0 {
		a.cfg.FileConcurrency = f.fileConcurrency
	}
	if f.watch {
		f.classify = true
	}
	switch {
	case f.staging && f.task != "":
		return errors.New("--staging and --task are mutually exclusive")
	case !f.staging && f.task == "":
		return errors.New("either --staging or --task is required")
	case !f.staging && (f.classify || f.batchID != ""):
		return errors.New("--classify, --watch and --batch apply to staging uploads only")
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	s, err := a.connect(ctx, "upload")
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	dir, err := cli.ResolveDirectory(f.dir)
	if err != nil {
		return err
	}
	images, err := imagery.ScanDirectory(dir, imagery.ScanOptions{MaxDepth: f.maxDepth, Limit: f.limit, ReadExif: !f.skipExif})
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return fmt.Errorf("no drone images found in %s", dir)
	}
	printPreflight(out, images)
	if dups := imagery.DuplicateNames(images); len(dups) > 0 {
		printDuplicates(out, dups)
		return fmt.Errorf("%d file names appear more than once; upload each flight folder on its own or rename the files", len(dups))
	}

	coord := upload.NewCoordinator(s.client, upload.Options{
		PartSize:        a.cfg.PartSize(),
		PartConcurrency: a.cfg.PartConcurrency,
		Journal:         a.journal(s),
		Metrics:         a.metrics(s),
	})

	printed := -1
	mgr := batch.NewManager(coord, f.project, f.task, f.staging, batch.Options{
		FileConcurrency: a.cfg.FileConcurrency,
		BatchID:         f.batchID,
		OnProgress: func(p batch.Progress) {
			// One line per finished file keeps the log readable on slow links.
			done := p.Completed + p.Failed + p.Canceled
			if done != printed {
				printed = done
				fmt.Fprintln(out, cli.ProgressLine(p))
			}
		},
	})

	s.summary.
		Project(f.project).
		Batch(f.batchID).
		Config("target", uploadTarget(f)).
		Config("chunkSizeMB", strconv.Itoa(a.cfg.ChunkSizeMB)).
		Config("partConcurrency", strconv.Itoa(a.cfg.PartConcurrency)).
		Config("fileConcurrency", strconv.Itoa(a.cfg.FileConcurrency)).
		Config("files", strconv.Itoa(len(images))).
		Log()

	entries := make([]batch.Entry, len(images))
	for i, img := range images {
		entries[i] = batch.PathEntry(img.Path, img.Size)
	}

	start := time.Now()
	report, runErr := mgr.Run(ctx, entries)
	if report == nil {
		return runErr
	}
	fmt.Fprintf(out, "Uploaded %d/%d files in %s\n", report.Completed, len(entries), cli.FormatDurationShort(time.Since(start)))
	if report.BatchID != "" {
		fmt.Fprintf(out, "Batch: %s\n", report.BatchID)
	}
	for _, fp := range report.Files {
		if fp.Err != nil {
			fmt.Fprintf(out, "  %s %s: %v\n", fp.State, fp.Name, fp.Err)
		}
	}
	if runErr != nil {
		if report.BatchID != "" {
			fmt.Fprintf(out, "To finish batch %s, upload only the files listed above with --batch %s.\n", report.BatchID, report.BatchID)
			fmt.Fprintln(out, "Uploading the completed files again adds duplicate records to the batch.")
		}
		return fmt.Errorf("%d of %d files did not upload", len(entries)-report.Completed, len(entries))
	}

	if !f.classify || !report.Notified {
		return nil
	}
	job, err := s.client.StartClassification(ctx, f.project, report.BatchID)
	if err != nil {
		cli.LogFailure(err, "Start classification failed")
		return err
	}
	fmt.Fprintf(out, "Classification started (job %s)\n", job.JobID)

	if !f.watch {
		return nil
	}
	_, err = watchBatch(ctx, s.client, f.project, report.BatchID, out, batchview.Options{})
	return err
}

func uploadTarget(f *uploadFlags) string {
	if f.staging {
		return "staging"
	}
	return "task:" + f.task
}

// printDuplicates lists every repeated file name with the paths carrying it.
func printDuplicates(out io.Writer, dups map[string][]string) {
	names := slices.Sorted(maps.Keys(dups))
	fmt.Fprintf(out, "%d file names appear in more than one folder and would overwrite each other:\n", len(names))
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", name)
		for _, path := range dups[name] {
			fmt.Fprintf(out, "    %s\n", path)
		}
	}
	log.Warn().Int("count", len(names)).Msg("Duplicate file names in upload set")
}

// printPreflight reports what was found, flagging images without GPS: the
// classifier will mark them invalid_exif.
func printPreflight(out io.Writer, images []*imagery.LocalImage) {
	var total int64
	var noGPS []string
	for _, img := range images {
		total += img.Size
		if !img.ExifOK() {
			noGPS = append(noGPS, img.Name)
		}
	}
	fmt.Fprintf(out, "Found %d images (%s)\n", len(images), cli.FormatBytes(total))
	if len(noGPS) == 0 {
		return
	}
	fmt.Fprintf(out, "%d images have no GPS position and will be classified %s:\n", len(noGPS), imagery.Style(imagery.StatusInvalidEXIF).Label)
	for _, name := range noGPS {
		fmt.Fprintf(out, "  %s\n", name)
	}
	log.Warn().Int("count", len(noGPS)).Msg("Images without GPS EXIF")
}
