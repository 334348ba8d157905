package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/HengYangDS/sage-kb-sub007/fingerprint"
)

// Warm-tier records are content-addressed files named by fingerprint:
//
//	"SKB1" | version u8 | payload length u32 BE | payload | HighwayHash-64 BE
//
// The trailing checksum rejects truncated or bit-rotted records cheaply;
// the fingerprint in the name is re-verified against the payload so a
// renamed or hand-edited file can never hydrate the cache.
const (
	warmMagic   = "SKB1"
	warmVersion = 0x01
	warmSuffix  = ".kb"
)

var warmHeaderLen = len(warmMagic) + 1 + 4

type warmTier struct {
	dir string
}

func newWarmTier(dir string) (*warmTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating warm cache directory: %w", err)
	}
	return &warmTier{dir: dir}, nil
}

func (w *warmTier) recordPath(fp fingerprint.Fingerprint) string {
	return filepath.Join(w.dir, fp.String()+warmSuffix)
}

// get returns the payload stored for fp. os.ReadFile cannot be
// interrupted, so the read runs aside and an elapsed deadline abandons it:
// a lookup is an optimization and must never outlive its caller. Records
// that fail validation are removed so they cannot fail every future lookup.
func (w *warmTier) get(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, bool) {
	type outcome struct {
		raw []byte
		err error
	}
	var ch = make(chan outcome, 1)
	go func() {
		var raw, err = os.ReadFile(w.recordPath(fp))
		ch <- outcome{raw, err}
	}()

	var raw []byte
	select {
	case out := <-ch:
		if out.err != nil {
			return nil, false
		}
		raw = out.raw
	case <-ctx.Done():
		return nil, false
	}

	var payload, err = decodeWarmRecord(raw)
	if err == nil && fingerprint.Sum(payload) != fp {
		err = errors.New("payload does not match fingerprint")
	}
	if err != nil {
		log.WithFields(log.Fields{
			"fingerprint": fp.String(),
			"error":       err,
		}).Warn("removing invalid warm cache record")
		_ = os.Remove(w.recordPath(fp))
		return nil, false
	}
	return payload, true
}

// put writes the record atomically (temp file then rename). Records are
// content-addressed and immutable, so an existing record is left alone.
func (w *warmTier) put(fp fingerprint.Fingerprint, payload []byte) error {
	if _, err := os.Stat(w.recordPath(fp)); err == nil {
		return nil
	}

	var tmp, err = os.CreateTemp(w.dir, "warm-*")
	if err != nil {
		return fmt.Errorf("creating warm record: %w", err)
	}
	if _, err = tmp.Write(encodeWarmRecord(payload)); err == nil {
		err = tmp.Close()
	} else {
		_ = tmp.Close()
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing warm record: %w", err)
	}
	if err = os.Rename(tmp.Name(), w.recordPath(fp)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("publishing warm record: %w", err)
	}
	return nil
}

func encodeWarmRecord(payload []byte) []byte {
	var buf = make([]byte, 0, warmHeaderLen+len(payload)+8)
	buf = append(buf, warmMagic...)
	buf = append(buf, warmVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint64(buf, fingerprint.Checksum64(payload))
	return buf
}

func decodeWarmRecord(raw []byte) ([]byte, error) {
	if len(raw) < warmHeaderLen+8 {
		return nil, errors.New("record truncated")
	}
	if string(raw[:len(warmMagic)]) != warmMagic {
		return nil, errors.New("bad magic")
	}
	if raw[len(warmMagic)] != warmVersion {
		return nil, fmt.Errorf("unsupported record version %d", raw[len(warmMagic)])
	}
	var n = binary.BigEndian.Uint32(raw[len(warmMagic)+1 : warmHeaderLen])
	if len(raw) != warmHeaderLen+int(n)+8 {
		return nil, fmt.Errorf("record length %d does not match header payload length %d", len(raw), n)
	}
	var payload = raw[warmHeaderLen : warmHeaderLen+int(n)]
	if fingerprint.Checksum64(payload) != binary.BigEndian.Uint64(raw[warmHeaderLen+int(n):]) {
		return nil, errors.New("checksum mismatch")
	}
	return payload, nil
}
