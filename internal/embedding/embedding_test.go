package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/stitch/internal/fault"
)

const sampleRecord = `{"linex_index": 4, "features": [
 {"token": "[CLS]", "layers": [{"index": -2, "values": [0.5, 1]}, {"index": -1, "values": [1, 2]}]},
 {"token": "hello", "layers": [{"index": -1, "values": [3, 4]}, {"index": -2, "values": [5, 6]}]}
]}`

func TestParseRecord(t *testing.T) {
	rec, err := ParseRecord([]byte(sampleRecord))
	require.NoError(t, err)

	assert.Equal(t, 4, rec.Index)
	require.Len(t, rec.Tokens, 2)
	assert.Equal(t, []string{"[CLS]", "hello"}, rec.Labels())
	assert.Equal(t, Layer{Index: -2, Values: []float32{0.5, 1}}, rec.Tokens[0].Layers[0])
	assert.Equal(t, Layer{Index: -1, Values: []float32{3, 4}}, rec.Tokens[1].Layers[0])
	assert.False(t, rec.Empty())
}

func TestParseRecord_EmptyFeatures(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"linex_index": 1, "features": []}`))
	require.NoError(t, err)
	assert.True(t, rec.Empty())
}

func TestParseRecord_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{"features": [`},
		{"missing features", `{"linex_index": 0}`},
		{"features not array", `{"features": {}}`},
		{"missing token", `{"features": [{"layers": []}]}`},
		{"missing layers", `{"features": [{"token": "a"}]}`},
		{"missing index", `{"features": [{"token": "a", "layers": [{"values": [1]}]}]}`},
		{"missing values", `{"features": [{"token": "a", "layers": [{"index": -1}]}]}`},
		{"non numeric value", `{"features": [{"token": "a", "layers": [{"index": -1, "values": ["x"]}]}]}`},
		{"duplicate layer", `{"features": [{"token": "a", "layers": [{"index": -1, "values": [1]}, {"index": -1, "values": [2]}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecord([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestReader_SkipsBlankLinesAndReportsRecord(t *testing.T) {
	input := strings.Join([]string{
		`{"linex_index": 0, "features": []}`,
		``,
		strings.ReplaceAll(sampleRecord, "\n", ""),
		`{"linex_index": 2}`,
	}, "\n")
	r := NewReader(strings.NewReader(input))

	first, err := r.Next()
	require.NoError(t, err)
	assert.True(t, first.Empty())

	second, err := r.Next()
	require.NoError(t, err)
	assert.Len(t, second.Tokens, 2)

	_, err = r.Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrMalformed))
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 2, fe.Record)
}

func TestWriterReaderRoundTrip(t *testing.T) {
	in := []*WindowEmbedding{
		{Tokens: []TokenEntry{
			{Label: "[CLS]", Layers: []Layer{{Index: -1, Values: []float32{1, 2}}}},
			{Label: "a", Layers: []Layer{{Index: -1, Values: []float32{3, 4}}}},
		}},
		nil,
	}
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, rec := range in {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Flush())
	assert.Contains(t, buf.String(), `"linex_index":1,"features":[]`)

	r := NewReader(&buf)
	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, in[0].Tokens, first.Tokens)

	second, err := r.Next()
	require.NoError(t, err)
	assert.True(t, second.Empty())

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource([]*WindowEmbedding{{Index: 7}})
	rec, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, 7, rec.Index)
	_, err = src.Next()
	assert.Equal(t, io.EOF, err)
}

func featureServer(t *testing.T, fail int32) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("warming up"))
			return
		}
		var req FeatureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var buf bytes.Buffer
		wr := NewWriter(&buf)
		rec := &WindowEmbedding{}
		for i, tok := range req.Tokens {
			rec.Tokens = append(rec.Tokens, TokenEntry{
				Label:  tok,
				Layers: []Layer{{Index: -1, Values: []float32{float32(i)}}},
			})
		}
		wr.Write(rec)
		wr.Flush()
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestHTTPGenerator_Generate(t *testing.T) {
	srv, calls := featureServer(t, 0)
	g, err := NewHTTPGenerator(&HTTPConfig{Endpoint: srv.URL, APIKey: "secret", MaxRetries: 0, TimeoutSecs: 5})
	require.NoError(t, err)
	defer g.Close()

	rec, err := g.Generate(context.Background(), []string{"[CLS]", "a", "[SEP]"})
	require.NoError(t, err)
	assert.Equal(t, []string{"[CLS]", "a", "[SEP]"}, rec.Labels())
	assert.Equal(t, []float32{2}, rec.Tokens[2].Layers[0].Values)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestHTTPGenerator_RetriesServerErrors(t *testing.T) {
	srv, calls := featureServer(t, 1)
	g, err := NewHTTPGenerator(&HTTPConfig{Endpoint: srv.URL, APIKey: "secret", MaxRetries: 1, TimeoutSecs: 5})
	require.NoError(t, err)

	rec, err := g.Generate(context.Background(), []string{"[CLS]", "[SEP]"})
	require.NoError(t, err)
	assert.Len(t, rec.Tokens, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestHTTPGenerator_NoRetryOnClientError(t *testing.T) {
	srv, calls := featureServer(t, 0)
	g, err := NewHTTPGenerator(&HTTPConfig{Endpoint: srv.URL, APIKey: "wrong", MaxRetries: 3, TimeoutSecs: 5})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), []string{"a"})
	require.Error(t, err)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestHTTPConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  HTTPConfig
		wantErr bool
	}{
		{"valid", HTTPConfig{Endpoint: "http://localhost:8125/features", TimeoutSecs: 60}, false},
		{"no endpoint", HTTPConfig{TimeoutSecs: 60}, true},
		{"bad scheme", HTTPConfig{Endpoint: "localhost:8125", TimeoutSecs: 60}, true},
		{"negative retries", HTTPConfig{Endpoint: "http://x", MaxRetries: -1, TimeoutSecs: 60}, true},
		{"zero timeout", HTTPConfig{Endpoint: "http://x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseLayerOutputs(t *testing.T) {
	got, err := ParseLayerOutputs("hidden_states.12:-1, hidden_states.11:-2")
	require.NoError(t, err)
	assert.Equal(t, []LayerOutput{{Name: "hidden_states.12", Layer: -1}, {Name: "hidden_states.11", Layer: -2}}, got)

	for _, bad := range []string{"", "nolayer", ":1", "x:", "x:y"} {
		_, err := ParseLayerOutputs(bad)
		assert.Error(t, err, bad)
	}
}

type mapVocab map[string]int

func (m mapVocab) TokenToId(tok string) (int, bool) {
	id, ok := m[tok]
	return id, ok
}

func TestLookupIDs(t *testing.T) {
	vocab := mapVocab{"[UNK]": 100, "[CLS]": 101, "hello": 7592}
	ids, err := lookupIDs(vocab, []string{"[CLS]", "hello", "zzz"}, "[UNK]")
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 7592, 100}, ids)

	_, err = lookupIDs(mapVocab{}, []string{"x"}, "[UNK]")
	assert.Error(t, err)
}

func TestAssembleWindow(t *testing.T) {
	outputs := []LayerOutput{{Name: "h12", Layer: -1}, {Name: "h11", Layer: -2}}
	data := [][]float32{
		{1, 2, 3, 4, 5, 6},
		{10, 20, 30, 40, 50, 60},
	}
	rec, err := assembleWindow([]string{"[CLS]", "a", "[SEP]"}, outputs, data, 2)
	require.NoError(t, err)
	require.Len(t, rec.Tokens, 3)
	assert.Equal(t, "a", rec.Tokens[1].Label)
	assert.Equal(t, []Layer{{Index: -1, Values: []float32{3, 4}}, {Index: -2, Values: []float32{30, 40}}}, rec.Tokens[1].Layers)

	_, err = assembleWindow([]string{"a"}, outputs[:1], [][]float32{{1, 2, 3}}, 2)
	assert.Error(t, err)
}

func TestONNXConfig_Validate(t *testing.T) {
	cfg := ONNXConfig{ModelPath: "bert.onnx", Outputs: []LayerOutput{{Name: "h", Layer: -1}}, Vocab: mapVocab{}}
	cfg.applyDefaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultHiddenSize, cfg.HiddenSize)
	assert.Equal(t, DefaultInputIDsName, cfg.InputIDsName)

	dup := cfg
	dup.Outputs = []LayerOutput{{Name: "a", Layer: -1}, {Name: "b", Layer: -1}}
	assert.Error(t, dup.Validate())

	noVocab := cfg
	noVocab.Vocab = nil
	assert.Error(t, noVocab.Validate())
}
