package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/audit"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/storage"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/tables"
)

// archiveChunk writes the chunk as parquet plus a manifest. The parquet
// file is written first so a manifest never points at a missing file.
func (in *Ingester) archiveChunk(ctx context.Context, c Chunk) (bool, error) {
	a := in.opts.Archive
	ref := storage.ChunkRef{Dataset: a.Dataset, RunID: in.opts.RunID, ChunkIndex: c.Index}

	if exists, _ := a.Store.Exists(ctx, ref); exists && !a.AllowOverwrite {
		return false, storage.ErrChunkExists
	}

	now := time.Now().UTC()
	out, err := tables.ChunkToParquet(c.Records, c.FirstRow, tables.ParquetConfig{
		Dataset:     a.Dataset,
		Compression: a.Compression,
	}, now)
	if err != nil {
		return false, fmt.Errorf("generate parquet: %w", err)
	}

	if err := a.Store.WriteParquet(ctx, ref, out.Bytes); err != nil {
		return false, fmt.Errorf("write parquet: %w", err)
	}
	in.metrics.ObserveArchiveBytes(len(out.Bytes))

	table := tables.PositionRow{}.TableName()
	manifest := &storage.Manifest{
		Chunk: storage.ChunkInfo{
			Dataset:  a.Dataset,
			RunID:    in.opts.RunID,
			Index:    c.Index,
			FirstRow: c.FirstRow,
			Rows:     out.RowCount,
			Vessels:  out.Vessels,
		},
		Tables: map[string]storage.TableInfo{
			table: {
				File:     fmt.Sprintf("part-%06d.parquet", c.Index),
				Checksum: out.Checksum,
				RowCount: out.RowCount,
				ByteSize: int64(len(out.Bytes)),

				SchemaVersion: tables.SchemaVersion,
			},
		},
		Producer:  a.Producer,
		CreatedAt: now,
	}
	if err := a.Store.WriteManifest(ctx, ref, manifest); err != nil {
		return false, fmt.Errorf("write manifest: %w", err)
	}

	if a.Audit != nil {
		partPath := ref.Path("")
		if err := a.Audit.EmitChunk(ctx, audit.Event{
			Dataset:      a.Dataset,
			RunID:        in.opts.RunID,
			Index:        c.Index,
			FirstRow:     c.FirstRow,
			Rows:         out.RowCount,
			Checksums:    map[string]string{table: out.Checksum},
			RowCounts:    map[string]int64{table: out.RowCount},
			ByteSizes:    map[string]int64{table: int64(len(out.Bytes))},
			StoragePaths: map[string]string{table: partPath},
			Producer: audit.ProducerInfo{
				Name:    a.Producer.Name,
				Version: a.Producer.Version,
				GitSHA:  a.Producer.GitSHA,
			},
		}); err != nil {
			// Audit failures never fail an archived chunk.
			in.log.Warn("failed to emit audit event", "chunk", c.Index, "error", err)
		}
	}

	in.log.Debug("archived chunk",
		"chunk", c.Index,
		"uri", a.Store.URI(ref.Path("")),
		"rows", out.RowCount,
		"bytes", len(out.Bytes),
		"checksum", out.Checksum,
	)
	return true, nil
}
