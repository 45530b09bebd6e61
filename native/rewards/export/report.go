package export

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"lukechampine.com/blake3"

	"meridian/crypto"
	"meridian/native/rewards/audit"
)

// ReportCSV builds a CSV report for the supplied audit entries and returns the
// serialised data alongside a BLAKE3 checksum of the payload.
func ReportCSV(entries []*audit.Entry) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"epoch", "pool", "kind", "account", "counterparty", "amount", "status", "reference", "recorded_at", "checksum"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		record := []string{
			fmt.Sprintf("%d", entry.Epoch),
			fmt.Sprintf("%d", entry.Pool),
			string(entry.Kind),
			formatAccount(entry.Account),
			formatCounterparty(entry.Counterparty),
			amountString(entry),
			string(entry.Status),
			entry.Reference,
			recordedAt(entry).Format(time.RFC3339Nano),
			entry.Checksum,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, PayloadChecksum(data), nil
}

// ReportJSONL builds a JSON Lines report for the supplied audit entries and
// returns the serialised payload alongside a checksum.
func ReportJSONL(entries []*audit.Entry) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		payload := map[string]interface{}{
			"epoch":        entry.Epoch,
			"pool":         entry.Pool,
			"kind":         string(entry.Kind),
			"account":      formatAccount(entry.Account),
			"counterparty": formatCounterparty(entry.Counterparty),
			"amount":       amountString(entry),
			"status":       string(entry.Status),
			"reference":    entry.Reference,
			"recorded_at":  recordedAt(entry).Format(time.RFC3339Nano),
			"checksum":     entry.Checksum,
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	return data, PayloadChecksum(data), nil
}

// PayloadChecksum derives the hex encoded BLAKE3 digest recorded in report
// manifests for a serialised artefact.
func PayloadChecksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func formatAccount(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.MRDPrefix, addr[:]).String()
}

func formatCounterparty(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return formatAccount(addr)
}

func amountString(entry *audit.Entry) string {
	if entry.Amount == nil {
		return "0"
	}
	return entry.Amount.String()
}

func recordedAt(entry *audit.Entry) time.Time {
	generated := entry.RecordedAt
	if generated.IsZero() {
		generated = entry.UpdatedAt
	}
	if generated.IsZero() {
		generated = time.Now().UTC()
	}
	return generated.UTC()
}
