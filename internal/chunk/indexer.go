package chunk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Indexer is the index engine behind the chunk builder. The full-text
// engine is an external collaborator; the builder only needs this
// contract.
type Indexer interface {
	// Append adds one document to the open index.
	Append(doc Document) error

	// Commit flushes all appended documents to segment files in the
	// index directory.
	Commit() error

	// Close releases the index. Close after Commit is required before
	// the directory is uploaded.
	Close() error
}

// IndexerFactory opens a fresh index in dir.
type IndexerFactory func(dir string) (Indexer, error)

// DocumentRow is the parquet row schema for the default segment format.
type DocumentRow struct {
	ID        string    `parquet:"id"`
	Timestamp time.Time `parquet:"timestamp,timestamp(millisecond)"`
	Partition int32     `parquet:"partition"`
	Offset    int64     `parquet:"offset"`
	Source    []byte    `parquet:"source"`
	Fields    []byte    `parquet:"fields_json"`
}

const segmentFlushSize = 512

// parquetIndexer writes documents to a zstd-compressed parquet segment.
type parquetIndexer struct {
	file   *os.File
	writer *parquet.GenericWriter[DocumentRow]
	buf    []DocumentRow
	closed bool
}

// NewParquetIndexer opens the default parquet-backed index in dir.
func NewParquetIndexer(dir string) (Indexer, error) {
	f, err := os.Create(filepath.Join(dir, "docs-000001.parquet"))
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}

	w := parquet.NewGenericWriter[DocumentRow](f, parquet.Compression(&parquet.Zstd))
	return &parquetIndexer{file: f, writer: w}, nil
}

func (x *parquetIndexer) Append(doc Document) error {
	fieldsJSON, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("encode fields for %s: %w", doc.ID, err)
	}

	x.buf = append(x.buf, DocumentRow{
		ID:        doc.ID,
		Timestamp: doc.Timestamp,
		Partition: int32(doc.Partition),
		Offset:    doc.Offset,
		Source:    doc.Source,
		Fields:    fieldsJSON,
	})

	if len(x.buf) >= segmentFlushSize {
		return x.flush()
	}
	return nil
}

func (x *parquetIndexer) flush() error {
	if len(x.buf) == 0 {
		return nil
	}
	if _, err := x.writer.Write(x.buf); err != nil {
		return fmt.Errorf("write segment rows: %w", err)
	}
	x.buf = x.buf[:0]
	return nil
}

func (x *parquetIndexer) Commit() error {
	if err := x.flush(); err != nil {
		return err
	}
	if err := x.writer.Close(); err != nil {
		return fmt.Errorf("close segment writer: %w", err)
	}
	if err := x.file.Sync(); err != nil {
		return fmt.Errorf("sync segment file: %w", err)
	}
	x.closed = true
	return x.file.Close()
}

func (x *parquetIndexer) Close() error {
	if x.closed {
		return nil
	}
	x.closed = true
	return x.file.Close()
}
