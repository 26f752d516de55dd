package checkpoint

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	sha256 "github.com/minio/sha256-simd"
)

// encode serializes data into a record. The checksum always covers the
// uncompressed serialized state.
func encode(data *Data, compressionThreshold int) (*Record, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	rec := &Record{
		ID:               data.CheckpointID,
		SessionID:        data.SessionID,
		EntityType:       data.EntityType,
		BatchNumber:      data.BatchNumber,
		RecordsProcessed: data.RecordsProcessed,
		RecordsRemaining: data.RecordsRemaining,
		Status:           StatusActive,
		Checksum:         checksum(raw),
		State:            raw,
		CreatedAt:        data.CreatedAt,
	}

	if compressionThreshold > 0 && len(raw) > compressionThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("failed to compress checkpoint: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress checkpoint: %w", err)
		}
		rec.State = buf.Bytes()
		rec.Compressed = true
	}

	return rec, nil
}

// decode verifies and deserializes a record.
func decode(rec *Record) (*Data, error) {
	raw := rec.State
	if rec.Compressed {
		zr, err := gzip.NewReader(bytes.NewReader(rec.State))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
		}
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
		}
	}

	if sum := checksum(raw); sum != rec.Checksum {
		return nil, fmt.Errorf("%w: stored %s, computed %s", ErrChecksumMismatch, short(rec.Checksum), short(sum))
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	if data.CheckpointID != rec.ID {
		return nil, fmt.Errorf("%w: state belongs to %s", ErrChecksumMismatch, data.CheckpointID)
	}
	return &data, nil
}

func checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
