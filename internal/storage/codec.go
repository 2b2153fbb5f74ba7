package storage

import (
	"encoding/json"
	"errors"

	"hypersearch/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeModel(rec model.ModelRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func DecodeModel(data []byte) (model.ModelRecord, error) {
	var rec model.ModelRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.ModelRecord{}, err
	}
	if err := checkVersion(rec.VersionedRecord); err != nil {
		return model.ModelRecord{}, err
	}
	return rec, nil
}

func stamp(rec *model.ModelRecord) {
	rec.VersionedRecord = model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

func hashKey(jobID, hash string) string {
	return jobID + "\x00" + hash
}
