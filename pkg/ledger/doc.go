// Package ledger persists per-item pipeline progress across runs.
//
// Two JSON files live in the destination directory:
//   - download_progress.json: one record per item with the outcome of
//     each stage (downloaded, combined, metadata_written)
//   - download_errors.json: one record per failed item with the stage
//     and classified reason
//
// Both files are written atomically (temp file then rename) and stay
// human-inspectable. Deleting an item's error record (or the whole
// errors file) forces the next run to retry exactly that subset. The
// pipeline itself never deletes progress records; they are the resume
// source of truth and survive process restarts.
package ledger
