package search

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ParamsHash identifies a model by its structured params and base
// description. Map keys are encoded in sorted order, so equal params
// always hash alike.
func ParamsHash(structured map[string]any, baseHash string) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(map[string]any{"params": structured, "base": baseHash}); err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return md5Hex(buf.Bytes()), nil
}

// ParticleHash identifies one generation of one particle.
func ParticleHash(particleID string, genIdx int) string {
	return md5Hex([]byte(fmt.Sprintf("%s.%d", particleID, genIdx)))
}

// orphanHashes are the replacement hashes of an adopted orphan. attempt
// salts them when an earlier pair collided.
func orphanHashes(modelID int64, attempt int) (params, particle string) {
	params = md5Hex([]byte(fmt.Sprintf("OrphanParams.%d.%d", modelID, attempt)))
	particle = md5Hex([]byte(fmt.Sprintf("OrphanParticle.%d.%d", modelID, attempt)))
	return params, particle
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
