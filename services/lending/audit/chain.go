package audit

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

const verifyBatch = 500

// ErrChainBroken reports a record whose digest does not follow from its
// predecessor.
var ErrChainBroken = errors.New("audit: digest chain broken")

// digest binds a record to the digest of the record before it. Fields are
// length prefixed so adjacent values cannot be shifted into one another.
func digest(prev string, rec *Record) (string, error) {
	prevRaw, err := hex.DecodeString(prev)
	if err != nil {
		return "", fmt.Errorf("audit: decode previous digest: %w", err)
	}
	var buf bytes.Buffer
	writeDelimited(&buf, prevRaw)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], rec.Sequence)
	buf.Write(seq[:])
	writeDelimited(&buf, []byte(rec.Type))
	writeDelimited(&buf, []byte(rec.Attributes))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(rec.CreatedAt.Unix()))
	buf.Write(ts[:])
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	buf.Write(length[:])
	buf.Write(data)
}

// Verification summarises a full walk of the digest chain.
type Verification struct {
	Records uint64 `json:"records"`
	Head    string `json:"head"`
}

// Verify recomputes every digest in sequence order. The first mismatch is
// returned wrapped in ErrChainBroken.
func (l *Log) Verify(ctx context.Context) (Verification, error) {
	var (
		result Verification
		after  uint64
	)
	for {
		var batch []Record
		err := l.db.WithContext(ctx).
			Where("sequence > ?", after).
			Order("sequence ASC").
			Limit(verifyBatch).
			Find(&batch).Error
		if err != nil {
			return result, fmt.Errorf("audit: verify: %w", err)
		}
		for i := range batch {
			rec := &batch[i]
			if rec.Sequence != result.Records+1 {
				return result, fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, result.Records+1, rec.Sequence)
			}
			want, err := digest(result.Head, rec)
			if err != nil {
				return result, err
			}
			if want != rec.Digest {
				return result, fmt.Errorf("%w: sequence %d", ErrChainBroken, rec.Sequence)
			}
			result.Records = rec.Sequence
			result.Head = rec.Digest
		}
		if len(batch) < verifyBatch {
			return result, nil
		}
		after = batch[len(batch)-1].Sequence
	}
}
