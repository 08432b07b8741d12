package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Market     string `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account    string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest     string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes every entry matching filter to a snappy compressed
// parquet file at path and returns the number of rows written. Limit and
// AfterSequence are managed internally.
func (l *Log) ExportParquet(ctx context.Context, path string, filter Filter) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	filter.AfterSequence = 0
	filter.Limit = maxListLimit
	for {
		entries, err := l.List(ctx, filter)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return written, err
		}
		for _, entry := range entries {
			attrs, err := json.Marshal(entry.Attributes)
			if err != nil {
				pw.WriteStop()
				file.Close()
				return written, fmt.Errorf("audit: encode attributes: %w", err)
			}
			row := &parquetRow{
				Sequence:   int64(entry.Sequence),
				ID:         entry.ID,
				Type:       entry.Type,
				Market:     entry.Market,
				Account:    entry.Account,
				Attributes: string(attrs),
				Digest:     entry.Digest,
				CreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339),
			}
			if err := pw.Write(row); err != nil {
				pw.WriteStop()
				file.Close()
				return written, fmt.Errorf("audit: parquet write: %w", err)
			}
			written++
		}
		if len(entries) < maxListLimit {
			break
		}
		filter.AfterSequence = entries[len(entries)-1].Sequence
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("audit: close parquet file: %w", err)
	}
	return written, nil
}
