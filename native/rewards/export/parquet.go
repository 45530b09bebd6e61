package export

import (
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"meridian/native/rewards/audit"
)

type parquetRow struct {
	Epoch        int64  `parquet:"name=epoch, type=INT64"`
	Pool         int64  `parquet:"name=pool, type=INT64"`
	Kind         string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account      string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Counterparty string `parquet:"name=counterparty, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount       string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status       string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reference    string `parquet:"name=reference, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordedAt   string `parquet:"name=recorded_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Checksum     string `parquet:"name=checksum, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, entries []*audit.Entry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, entry := range entries {
		if entry == nil {
			continue
		}
		row := &parquetRow{
			Epoch:        int64(entry.Epoch),
			Pool:         int64(entry.Pool),
			Kind:         string(entry.Kind),
			Account:      formatAccount(entry.Account),
			Counterparty: formatCounterparty(entry.Counterparty),
			Amount:       amountString(entry),
			Status:       string(entry.Status),
			Reference:    entry.Reference,
			RecordedAt:   recordedAt(entry).Format(time.RFC3339Nano),
			Checksum:     entry.Checksum,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}
