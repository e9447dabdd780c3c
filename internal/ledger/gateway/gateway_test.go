package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/richardliu001/ledger-bridge/internal/ledger"
)

func TestSubmit_StatusMapping(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		transient bool
		code      string
	}{
		{"rejected", http.StatusUnprocessableEntity, `{"code":"INSUFFICIENT_FUNDS","message":"balance too low"}`, false, "INSUFFICIENT_FUNDS"},
		{"bad request without code", http.StatusBadRequest, `oops`, false, "HTTP_400"},
		{"unavailable", http.StatusServiceUnavailable, `{"code":"ENDORSEMENT_UNAVAILABLE"}`, true, "ENDORSEMENT_UNAVAILABLE"},
		{"throttled", http.StatusTooManyRequests, ``, true, "HTTP_429"},
		{"gateway timeout", http.StatusGatewayTimeout, ``, true, ledger.CodeTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			c, err := Dial("tokenomics", Credentials{}, Config{BaseURL: srv.URL}, zap.NewNop().Sugar())
			require.NoError(t, err)
			_, err = c.Submit(context.Background(), ledger.SubmitRequest{IdempotencyKey: "k"})
			require.Error(t, err)
			assert.Equal(t, tc.transient, ledger.IsTransient(err))
			assert.Equal(t, tc.code, ledger.Code(err))
		})
	}
}

func TestSubmit_Success(t *testing.T) {
	var got submitBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/identities/tokenomics/transactions", r.URL.Path)
		assert.Equal(t, "r1", r.Header.Get("Idempotency-Key"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"tx_id":"abc","commit_block":42}`)
	}))
	defer srv.Close()

	c, err := Dial("tokenomics", Credentials{}, Config{BaseURL: srv.URL + "/"}, zap.NewNop().Sugar())
	require.NoError(t, err)
	res, err := c.Submit(context.Background(), ledger.SubmitRequest{
		TenantID: "t1", IdempotencyKey: "r1", Function: "Transfer", Args: []string{"{}"},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.TxID)
	require.NotNil(t, res.CommitBlock)
	assert.Equal(t, uint64(42), *res.CommitBlock)
	assert.Equal(t, "Transfer", got.Function)
	assert.Equal(t, "t1", got.TenantID)
}

func TestSubmit_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := Dial("admin", Credentials{}, Config{BaseURL: url}, zap.NewNop().Sugar())
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), ledger.SubmitRequest{})
	assert.True(t, ledger.IsTransient(err))
}

func TestDial_RequiresBaseURL(t *testing.T) {
	_, err := Dial("admin", Credentials{}, Config{}, zap.NewNop().Sugar())
	assert.Error(t, err)
}

type fakeReader struct {
	msgs []kafka.Message
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		return kafka.Message{}, errors.New("eof")
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) Close() error { return nil }

func relay(t *testing.T, ev ledger.Event) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func TestStream_SkipsBeforeFromAndUnplaceable(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{
		relay(t, ledger.Event{TxID: "t1", BlockNumber: 4, EventName: "TokensMinted"}),
		{Value: []byte("not json")},
		{Value: []byte(`{"tx_id":"t9","event_name":"TokensMinted"}`)},
		relay(t, ledger.Event{TxID: "t2", BlockNumber: 5, EventIndex: 1, EventName: "TokensMinted"}),
	}}
	s := &stream{reader: fr, channel: "main", from: 5, log: zap.NewNop().Sugar()}

	ev, err := s.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t2", ev.TxID)
	assert.Equal(t, "main", ev.Channel)

	_, err = s.Recv(context.Background())
	assert.True(t, ledger.IsTransient(err))
}

func TestStream_ReturnsEventsMissingNames(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{
		{Value: []byte(`{"block_number":9,"event_index":0}`), Offset: 40},
		{Value: []byte(`{"block_number":9,"event_index":1,"tx_id":"t3"}`), Offset: 41},
	}}
	s := &stream{reader: fr, channel: "main", from: 5, log: zap.NewNop().Sugar()}

	ev, err := s.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.Position{Block: 9, Index: 0}, ev.Position())
	assert.Empty(t, ev.EventName)

	ev, err = s.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.Position{Block: 9, Index: 1}, ev.Position())
	assert.Equal(t, "t3", ev.TxID)
}

func TestOffsetHints(t *testing.T) {
	h := newOffsetHints()
	assert.Equal(t, kafka.FirstOffset, h.seek("main", 10))

	fr := &fakeReader{msgs: []kafka.Message{
		relay(t, ledger.Event{TxID: "a", BlockNumber: 3, EventName: "E"}),
		relay(t, ledger.Event{TxID: "b", BlockNumber: 7, EventName: "E"}),
		relay(t, ledger.Event{TxID: "c", BlockNumber: 7, EventIndex: 1, EventName: "E"}),
		relay(t, ledger.Event{TxID: "d", BlockNumber: 12, EventName: "E"}),
	}}
	for i := range fr.msgs {
		fr.msgs[i].Offset = int64(100 + i)
	}
	s := &stream{reader: fr, channel: "main", from: 0, hints: h, log: zap.NewNop().Sugar()}
	for i := 0; i < 4; i++ {
		_, err := s.Recv(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, int64(101), h.seek("main", 7))
	assert.Equal(t, int64(101), h.seek("main", 10))
	assert.Equal(t, int64(103), h.seek("main", 12))
	assert.Equal(t, int64(100), h.seek("main", 3))
	assert.Equal(t, kafka.FirstOffset, h.seek("main", 2))
	assert.Equal(t, kafka.FirstOffset, h.seek("side", 7))
}
