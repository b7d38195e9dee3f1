// Package checkpoint persists SimCLR training state — every context param and
// variable — in a directory keyed by the run's config fingerprint.
//
// Each record is a pair of files: weights.bin holds the raw tensor bytes back
// to back, manifest.json indexes them (parameter name, shape, offset) and
// carries the params plus a checksum of the binary file. Saves are atomic:
// both files are written into a temporary directory which is then renamed over
// the record, so a crash mid-save can never produce a record that Load
// accepts.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	manifestFileName = "manifest.json"
	weightsFileName  = "weights.bin"
)

// Store reads and writes fingerprint-keyed training-state records under a
// base directory. The zero value is not usable; call New.
type Store struct {
	baseDir string
}

// New creates a Store rooted at baseDir, creating the directory if needed.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0777); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint base directory %q", baseDir)
	}
	return &Store{baseDir: baseDir}, nil
}

// Dir returns the directory a fingerprint's record lives in.
func (s *Store) Dir(fingerprint string) string {
	return filepath.Join(s.baseDir, fingerprint)
}

// manifest is the JSON side of a record.
type manifest struct {
	Params    []savedParam
	Variables []savedVar

	// WeightsChecksum is the hex SHA-256 of weights.bin.
	WeightsChecksum string
}

// savedVar indexes one tensor in weights.bin.
type savedVar struct {
	Scope, Name string
	Dimensions  []int
	DType       dtypes.DType
	Trainable   bool

	// Pos, Length in bytes within weights.bin.
	Pos, Length int
}

// savedParam carries one context param. ValueType records the original Go
// type, since the JSON decoder turns all numbers into float64.
type savedParam struct {
	Scope, Key string
	Value      any
	ValueType  string
}

// jsonDecodeTypeConvert casts the JSON-decoded Value back to its original
// type where needed.
func (p *savedParam) jsonDecodeTypeConvert() {
	value, ok := p.Value.(float64)
	if !ok {
		return
	}
	switch p.ValueType {
	case "int":
		p.Value = int(value)
	case "int32":
		p.Value = int32(value)
	case "int64":
		p.Value = int64(value)
	case "float32":
		p.Value = float32(value)
	}
}

// Save writes the full state of ctx as the record for fingerprint, replacing
// any previous record atomically.
func (s *Store) Save(ctx *context.Context, fingerprint string) error {
	var m manifest
	ctx.EnumerateParams(func(scope, key string, value any) {
		m.Params = append(m.Params, savedParam{
			Scope: scope, Key: key, Value: value, ValueType: fmt.Sprintf("%T", value)})
	})
	sort.Slice(m.Params, func(i, j int) bool {
		if m.Params[i].Scope != m.Params[j].Scope {
			return m.Params[i].Scope < m.Params[j].Scope
		}
		return m.Params[i].Key < m.Params[j].Key
	})

	var variables []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		variables = append(variables, v)
	})
	sort.Slice(variables, func(i, j int) bool {
		return variables[i].ParameterName() < variables[j].ParameterName()
	})

	tmpDir, err := os.MkdirTemp(s.baseDir, fingerprint+".tmp-")
	if err != nil {
		return errors.Wrap(err, "creating temporary checkpoint directory")
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	weightsFile, err := os.Create(filepath.Join(tmpDir, weightsFileName))
	if err != nil {
		return errors.Wrap(err, "creating weights file")
	}
	checksum := sha256.New()
	pos := 0
	for _, v := range variables {
		tensor := v.MustValue()
		var writeErr error
		var written, memoryLen int
		err := tensor.ConstBytes(func(rawData []byte) {
			memoryLen = len(rawData)
			checksum.Write(rawData)
			written, writeErr = weightsFile.Write(rawData)
		})
		if err != nil {
			return errors.WithMessagef(err, "accessing tensor data of variable %q", v.ParameterName())
		}
		if writeErr != nil {
			return errors.Wrapf(writeErr, "writing variable %q", v.ParameterName())
		}
		if written != memoryLen {
			return errors.Errorf("writing variable %q: wrote %d of %d bytes",
				v.ParameterName(), written, memoryLen)
		}
		shape := tensor.Shape()
		m.Variables = append(m.Variables, savedVar{
			Scope:      v.Scope(),
			Name:       v.Name(),
			Dimensions: shape.Dimensions,
			DType:      shape.DType,
			Trainable:  v.Trainable,
			Pos:        pos,
			Length:     memoryLen,
		})
		pos += memoryLen
	}
	if err := weightsFile.Close(); err != nil {
		return errors.Wrap(err, "closing weights file")
	}
	m.WeightsChecksum = hex.EncodeToString(checksum.Sum(nil))

	manifestFile, err := os.Create(filepath.Join(tmpDir, manifestFileName))
	if err != nil {
		return errors.Wrap(err, "creating manifest file")
	}
	enc := json.NewEncoder(manifestFile)
	enc.SetIndent("", "\t")
	if err := enc.Encode(&m); err != nil {
		return errors.Wrap(err, "encoding manifest")
	}
	if err := manifestFile.Close(); err != nil {
		return errors.Wrap(err, "closing manifest file")
	}

	// Swap the record in. The rename of the temp directory is the commit
	// point; the short window where neither directory exists can only make a
	// concurrent Load see no record, never a partial one.
	dir := s.Dir(fingerprint)
	oldDir := dir + ".old"
	_ = os.RemoveAll(oldDir)
	if _, err := os.Stat(dir); err == nil {
		if err := os.Rename(dir, oldDir); err != nil {
			return errors.Wrapf(err, "moving previous record %q aside", dir)
		}
	}
	if err := os.Rename(tmpDir, dir); err != nil {
		return errors.Wrapf(err, "committing checkpoint to %q", dir)
	}
	_ = os.RemoveAll(oldDir)
	klog.V(1).Infof("Saved checkpoint %s (%d variables, %s)",
		fingerprint, len(m.Variables), humanize.Bytes(uint64(pos)))
	return nil
}

// Load restores the record for fingerprint into ctx: params are set (existing
// values overridden), variables are updated in place or created. A missing
// record returns (false, nil) — fresh start. Anything else that prevents a
// complete restore (unreadable files, checksum mismatch, truncated data) is
// an error: a damaged record must never be silently treated as absent.
func (s *Store) Load(ctx *context.Context, fingerprint string) (loaded bool, err error) {
	dir := s.Dir(fingerprint)
	manifestBytes, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "reading checkpoint manifest in %q", dir)
	}
	var m manifest
	if err := json.Unmarshal(manifestBytes, &m); err != nil {
		return false, errors.Wrapf(err, "corrupt checkpoint manifest in %q", dir)
	}
	for i := range m.Params {
		m.Params[i].jsonDecodeTypeConvert()
	}

	weights, err := os.ReadFile(filepath.Join(dir, weightsFileName))
	if err != nil {
		return false, errors.Wrapf(err, "reading checkpoint weights in %q", dir)
	}
	checksum := sha256.Sum256(weights)
	if got := hex.EncodeToString(checksum[:]); got != m.WeightsChecksum {
		return false, errors.Errorf("corrupt checkpoint in %q: weights checksum %s does not match manifest %s",
			dir, got, m.WeightsChecksum)
	}

	for _, p := range m.Params {
		ctx.InAbsPath(p.Scope).SetParam(p.Key, p.Value)
	}

	for _, varInfo := range m.Variables {
		if varInfo.Pos < 0 || varInfo.Pos+varInfo.Length > len(weights) {
			return false, errors.Errorf("corrupt checkpoint in %q: variable %q at bytes [%d, %d) outside weights file of %d bytes",
				dir, varInfo.Name, varInfo.Pos, varInfo.Pos+varInfo.Length, len(weights))
		}
		tensor := tensors.FromShape(shapes.Make(varInfo.DType, varInfo.Dimensions...))
		var copied int
		accessErr := tensor.MutableBytes(func(data []byte) {
			copied = copy(data, weights[varInfo.Pos:varInfo.Pos+varInfo.Length])
		})
		if accessErr != nil {
			return false, errors.WithMessagef(accessErr, "allocating tensor for variable %q", varInfo.Name)
		}
		if copied != varInfo.Length {
			return false, errors.Errorf("corrupt checkpoint in %q: variable %q has %d bytes, tensor needs %d",
				dir, varInfo.Name, varInfo.Length, copied)
		}
		scopedCtx := ctx.InAbsPath(varInfo.Scope).Checked(false)
		if v := ctx.GetVariableByScopeAndName(varInfo.Scope, varInfo.Name); v != nil {
			v.MustSetValue(tensor)
			v.Trainable = varInfo.Trainable
		} else {
			scopedCtx.VariableWithValue(varInfo.Name, tensor).SetTrainable(varInfo.Trainable)
		}
	}
	klog.V(1).Infof("Loaded checkpoint %s (%d variables, %s)",
		fingerprint, len(m.Variables), humanize.Bytes(uint64(len(weights))))
	return true, nil
}

// Exists reports whether a complete record for fingerprint is present.
func (s *Store) Exists(fingerprint string) bool {
	_, err := os.Stat(filepath.Join(s.Dir(fingerprint), manifestFileName))
	return err == nil
}
