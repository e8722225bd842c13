// Command drone-ingest uploads drone imagery to a project, follows the
// server-side classification of a staging batch, lets a reviewer accept
// rejected images, and starts processing of the classified batch.
//
// Usage:
//
//	drone-ingest upload  --project <id> --dir <path> --staging [--classify] [--watch]
//	drone-ingest upload  --project <id> --dir <path> --task <task-id>
//	drone-ingest watch   --project <id> --batch <batch-id>
//	drone-ingest review  --project <id> --batch <batch-id>
//	drone-ingest accept  --project <id> --batch <batch-id> --image <image-id>
//	drone-ingest process --project <id> --batch <batch-id> [--yes]
//	drone-ingest broker  --bucket <bucket> [--addr :8080]
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
