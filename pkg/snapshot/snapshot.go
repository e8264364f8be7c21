package snapshot

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is an immutable point-in-time copy of an HTTP response.
// Storing a new snapshot under the same key replaces the previous one.
type Snapshot struct {
	Status   int         `msgpack:"status"`
	Header   http.Header `msgpack:"header"`
	Body     []byte      `msgpack:"body"`
	StoredAt time.Time   `msgpack:"storedAt"`
}

// FromResponse drains the response body into a snapshot.
// The response body is replaced with a fresh reader over the same bytes,
// so the caller can still serve the response after snapshotting it.
func FromResponse(res *http.Response) (Snapshot, error) {
	snap := Snapshot{
		Status:   res.StatusCode,
		Header:   res.Header.Clone(),
		StoredAt: time.Now(),
	}
	if res.Body != nil {
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return snap, err
		}
		snap.Body = body
		res.Body = io.NopCloser(bytes.NewReader(body))
	}
	return snap, nil
}

// Write sends the snapshot to the client.
func (s Snapshot) Write(w http.ResponseWriter) error {
	for name, values := range s.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(s.Status)
	_, err := w.Write(s.Body)
	return err
}

// Encode serializes the snapshot for a persistent store.
func Encode(s Snapshot) ([]byte, error) {
	return msgpack.Marshal(s)
}

// Decode deserializes a snapshot previously produced by Encode.
func Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	err := msgpack.Unmarshal(b, &s)
	return s, err
}
