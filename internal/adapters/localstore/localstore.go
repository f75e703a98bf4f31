// Package localstore reads messages exported to a local directory, one JSON
// document per file, and serves them as a fetch adapter.
package localstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/afero"

	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/logging"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/pipeline"
)

const schemaURL = "syncd://localstore/message.json"

const messageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "timestamp"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string", "minLength": 1},
    "payload": {}
  }
}`

// Adapter serves *.json files under Dir.
type Adapter struct {
	provider string
	fs       afero.Fs
	dir      string
	schema   *jsonschema.Schema
}

var _ pipeline.Adapter = (*Adapter)(nil)

// New creates a local store adapter reading dir on fs.
func New(provider string, fs afero.Fs, dir string) (*Adapter, error) {
	if strings.TrimSpace(provider) == "" {
		return nil, errors.New(errors.ErrConfig, "local store provider id is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New(errors.ErrConfig, "local store directory is required")
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "compile message schema", err)
	}
	return &Adapter{provider: provider, fs: fs, dir: filepath.Clean(dir), schema: schema}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(messageSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
}

// Dir returns the watched directory.
func (a *Adapter) Dir() string { return a.dir }

// ProviderID implements pipeline.Adapter.
func (a *Adapter) ProviderID() string { return a.provider }

// Fetch implements pipeline.Adapter. Messages are read lazily, one file per
// record, in file name order. A file that cannot be read or fails the schema
// surfaces as a pipeline.RecordError so it is counted, not hidden.
func (a *Adapter) Fetch(ctx context.Context, userID string, window models.FetchWindow) (pipeline.Iterator, error) {
	entries, err := afero.ReadDir(a.fs, a.dir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrAdapterNetwork, "read local store "+a.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return &iterator{adapter: a, names: names, window: window}, nil
}

type iterator struct {
	adapter   *Adapter
	names     []string
	pos       int
	window    models.FetchWindow
	served    int
	truncated bool
}

func (it *iterator) Next(ctx context.Context) (models.RawRecord, error) {
	for it.pos < len(it.names) {
		if err := ctx.Err(); err != nil {
			return models.RawRecord{}, err
		}
		name := it.names[it.pos]
		it.pos++
		path := filepath.Join(it.adapter.dir, name)
		rec, err := it.adapter.readMessage(path)
		if err == nil && !it.window.Contains(rec.Timestamp) {
			continue
		}
		if it.window.SafetyCap > 0 && it.served >= it.window.SafetyCap {
			// One more matching entry exists past the cap.
			it.truncated = true
			it.pos = len(it.names)
			return models.RawRecord{}, io.EOF
		}
		it.served++
		if err != nil {
			logging.Warn("Unreadable local message", map[string]interface{}{
				"provider": it.adapter.provider,
				"path":     path,
				"error":    err.Error(),
			})
			return models.RawRecord{}, &pipeline.RecordError{Ref: name, Err: err}
		}
		return rec, nil
	}
	return models.RawRecord{}, io.EOF
}

func (it *iterator) Truncated() bool { return it.truncated }
func (it *iterator) Close() error    { return nil }

func (a *Adapter) readMessage(path string) (models.RawRecord, error) {
	data, err := afero.ReadFile(a.fs, path)
	if err != nil {
		return models.RawRecord{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return models.RawRecord{}, errors.Wrap(errors.ErrInvalid, "malformed json", err)
	}
	if err := a.schema.Validate(inst); err != nil {
		return models.RawRecord{}, errors.Wrap(errors.ErrInvalid, "message does not match schema", err)
	}

	var msg struct {
		ID        string          `json:"id"`
		Timestamp string          `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.RawRecord{}, errors.Wrap(errors.ErrInvalid, "decode message", err)
	}
	ts, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		return models.RawRecord{}, errors.Wrap(errors.ErrInvalid, "timestamp must be RFC3339", err)
	}
	payload := msg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(data)
	}
	return models.RawRecord{ExternalID: msg.ID, Payload: payload, Timestamp: ts}, nil
}
