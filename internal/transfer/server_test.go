package transfer

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/chunkrelay/config"
	"github.com/jaywantadh/chunkrelay/internal/session"
	"github.com/jaywantadh/chunkrelay/internal/storage"
	"github.com/jaywantadh/chunkrelay/pkg/logging"
)

const kib = 1024

type relayFixture struct {
	cfg      config.AppConfig
	registry *session.Registry
	store    *storage.LocalStorage
	handler  http.Handler
}

func newFixture(t *testing.T, mutate func(*config.AppConfig)) *relayFixture {
	t.Helper()
	cfg := config.Default()
	cfg.StoragePath = t.TempDir()
	cfg.ChunkSize = 2 * kib
	cfg.SessionQuota = 50 * kib
	cfg.MinFreeSpace = 4 * kib
	cfg.MaxUploadOverhead = 4 * kib
	if mutate != nil {
		mutate(&cfg)
	}

	reg, err := session.NewRegistry(cfg.StoragePath)
	require.NoError(t, err)
	store := storage.NewLocalStorage(cfg, logging.Discard(), storage.WithFreeSpaceFunc(func(string) (int64, error) {
		return 1 << 40, nil
	}))
	srv := NewServer(cfg, reg, store, logging.Discard())
	return &relayFixture{cfg: cfg, registry: reg, store: store, handler: srv.Handler(nil)}
}

func (f *relayFixture) call(t *testing.T, method string, action Action, params url.Values) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	if params == nil {
		params = url.Values{}
	}
	params.Set(FieldAction, string(action))
	req := httptest.NewRequest(method, EndpointRelay+"?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var resp Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func (f *relayFixture) upload(t *testing.T, sessionID string, index, total int, fileName string, data []byte) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField(FieldSessionID, sessionID))
	require.NoError(t, mw.WriteField(FieldChunkIndex, strconv.Itoa(index)))
	require.NoError(t, mw.WriteField(FieldTotalChunks, strconv.Itoa(total)))
	require.NoError(t, mw.WriteField(FieldFileName, fileName))
	part, err := mw.CreateFormFile(FieldChunk, "blob")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, EndpointRelay+"?action=upload_chunk", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func (f *relayFixture) createSession(t *testing.T) string {
	t.Helper()
	rec, resp := f.call(t, http.MethodPost, ActionCreateSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.OK)
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

func sid(id string) url.Values {
	return url.Values{FieldSessionID: {id}}
}

func chunkQuery(id string, index int) url.Values {
	v := sid(id)
	v.Set(FieldChunkIndex, strconv.Itoa(index))
	return v
}

func TestCreateSessionViaGet(t *testing.T) {
	f := newFixture(t, nil)
	rec, resp := f.call(t, http.MethodGet, ActionCreateSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.OK)

	_, err := f.registry.Resolve(resp.SessionID)
	require.NoError(t, err)
}

func TestUploadDownloadConfirm(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)
	payload := bytes.Repeat([]byte("z"), 2*kib)

	_, resp := f.call(t, http.MethodGet, ActionGetMeta, sid(id))
	require.False(t, resp.OK)
	require.Equal(t, CodeNotFound, resp.Error)

	rec, resp := f.upload(t, id, 0, 3, "five.bin", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.OK)

	_, resp = f.call(t, http.MethodGet, ActionGetMeta, sid(id))
	require.True(t, resp.OK)
	require.Equal(t, "five.bin", resp.FileName)
	require.Equal(t, 3, resp.TotalChunks)

	rec, _ = f.call(t, http.MethodGet, ActionGetChunk, chunkQuery(id, 0))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, strconv.Itoa(len(payload)), rec.Header().Get("Content-Length"))
	require.Equal(t, payload, rec.Body.Bytes())

	rec, resp = f.call(t, http.MethodPost, ActionConfirmChunk, chunkQuery(id, 0))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.OK)

	rec, _ = f.call(t, http.MethodGet, ActionGetChunk, chunkQuery(id, 0))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp = f.call(t, http.MethodPost, ActionConfirmChunk, chunkQuery(id, 0))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, CodeNotFound, resp.Error)
}

func TestGetChunkNeverUploaded(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)

	rec, _ := f.call(t, http.MethodGet, ActionGetChunk, chunkQuery(id, 5))
	require.Equal(t, http.StatusNotFound, rec.Code)

	unknown, err := session.NewID()
	require.NoError(t, err)
	rec, _ = f.call(t, http.MethodGet, ActionGetChunk, chunkQuery(string(unknown), 0))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.call(t, http.MethodGet, ActionGetChunk, chunkQuery("../../etc", 0))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownSessionIsRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t, nil)
	unknown, err := session.NewID()
	require.NoError(t, err)
	id := string(unknown)

	_, resp := f.call(t, http.MethodGet, ActionReady, sid(id))
	require.False(t, resp.OK)
	require.Equal(t, CodeInvalidSession, resp.Reason)

	_, resp = f.call(t, http.MethodGet, ActionGetMeta, sid(id))
	require.Equal(t, CodeInvalidSession, resp.Error)

	_, resp = f.call(t, http.MethodPost, ActionConfirmChunk, chunkQuery(id, 0))
	require.Equal(t, CodeInvalidSession, resp.Error)

	rec, resp := f.upload(t, id, 0, 1, "x", []byte("x"))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, CodeInvalidSession, resp.Error)

	_, resp = f.call(t, http.MethodGet, ActionReady, sid("abc$def"))
	require.Equal(t, CodeInvalidSession, resp.Reason)

	entries, err := os.ReadDir(f.cfg.StoragePath)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReadyQuotaScenario(t *testing.T) {
	f := newFixture(t, func(c *config.AppConfig) { c.EnforceQuotaOnUpload = false })
	id := f.createSession(t)
	chunk := make([]byte, 2*kib)

	f.upload(t, id, 0, 25, "f", chunk)
	f.upload(t, id, 1, 25, "f", chunk)
	_, resp := f.call(t, http.MethodGet, ActionReady, sid(id))
	require.True(t, resp.OK)

	for i := 2; i < 24; i++ {
		_, resp := f.upload(t, id, i, 25, "f", chunk)
		require.True(t, resp.OK)
	}
	f.upload(t, id, 24, 25, "f", chunk[:kib])

	rec, resp := f.call(t, http.MethodGet, ActionReady, sid(id))
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, resp.OK)
	require.Equal(t, CodeTmpFull, resp.Reason)

	f.call(t, http.MethodPost, ActionConfirmChunk, chunkQuery(id, 0))
	_, resp = f.call(t, http.MethodGet, ActionReady, sid(id))
	require.True(t, resp.OK)
}

func TestUploadRejectedWhenQuotaEnforced(t *testing.T) {
	f := newFixture(t, func(c *config.AppConfig) { c.SessionQuota = 4 * kib })
	id := f.createSession(t)
	chunk := make([]byte, 2*kib)

	f.upload(t, id, 0, 3, "f", chunk)
	f.upload(t, id, 1, 3, "f", chunk)
	rec, resp := f.upload(t, id, 2, 3, "f", chunk)
	require.Equal(t, http.StatusInsufficientStorage, rec.Code)
	require.Equal(t, CodeTmpFull, resp.Reason)
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)

	rec, resp := f.upload(t, id, 3, 3, "f", []byte("x"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, CodeIndexOutOfRange, resp.Error)

	rec, resp = f.upload(t, id, 0, 0, "f", []byte("x"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, CodeInvalidIndex, resp.Error)

	rec, resp = f.upload(t, id, 0, 3, "", []byte("x"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, CodeMissingField, resp.Error)

	rec, resp = f.upload(t, id, 0, 3, "f", make([]byte, 2*kib+1))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, CodeChunkTooLarge, resp.Error)

	f.upload(t, id, 0, 3, "f", []byte("x"))
	rec, resp = f.upload(t, id, 1, 4, "f", []byte("x"))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, CodeTotalMismatch, resp.Error)
}

func TestUploadOverwriteIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)

	f.upload(t, id, 0, 1, "f", []byte("first"))
	_, resp := f.upload(t, id, 0, 1, "f", []byte("again"))
	require.True(t, resp.OK)

	loc, err := f.registry.Resolve(id)
	require.NoError(t, err)
	st, err := f.store.Stat(loc)
	require.NoError(t, err)
	require.Equal(t, 1, st.Chunks)
	require.Equal(t, int64(5), st.UsedBytes)
}

func TestDrainedSessionRejectsUploads(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)

	f.upload(t, id, 0, 1, "f", []byte("only"))
	f.call(t, http.MethodPost, ActionConfirmChunk, chunkQuery(id, 0))

	rec, resp := f.upload(t, id, 0, 1, "f", []byte("late"))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, CodeSessionDrained, resp.Error)
}

func TestProtocolErrors(t *testing.T) {
	f := newFixture(t, nil)

	rec, resp := f.call(t, http.MethodGet, Action("explode"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, CodeUnknownAction, resp.Error)

	rec, resp = f.call(t, http.MethodGet, ActionUploadChunk, nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, CodeMethodNotAllowed, resp.Error)

	rec, resp = f.call(t, http.MethodGet, ActionReady, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, CodeMissingField, resp.Error)

	id := f.createSession(t)
	rec, resp = f.call(t, http.MethodGet, ActionGetChunk, url.Values{FieldSessionID: {id}, FieldChunkIndex: {"-1"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, CodeInvalidIndex, resp.Error)
}

func TestHealthAndGuard(t *testing.T) {
	f := newFixture(t, nil)
	reg, err := session.NewRegistry(f.cfg.StoragePath)
	require.NoError(t, err)
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteErrorResponse(w, http.StatusUnauthorized, "unauthorized")
		})
	}
	h := NewServer(f.cfg, reg, f.store, logging.Discard()).Handler(deny)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, EndpointHealth, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, EndpointRelay+"?action=create_session", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

type panickyStore struct{ storage.Storage }

func (panickyStore) CheckAdmission(session.Location) (storage.Admission, error) {
	panic("boom")
}

func TestPanicIsRecovered(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)
	h := NewServer(f.cfg, f.registry, panickyStore{f.store}, logging.Discard()).Handler(nil)

	req := httptest.NewRequest(http.MethodGet, EndpointRelay+"?action=ready&session_id="+id, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), CodeInternal)
}

func TestGetMetaDuringFirstUpload(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 100; i++ {
		id := f.createSession(t)

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				req := httptest.NewRequest(http.MethodGet, EndpointRelay+"?action=get_meta&session_id="+id, nil)
				rec := httptest.NewRecorder()
				f.handler.ServeHTTP(rec, req)
				if rec.Code != http.StatusOK && rec.Code != http.StatusNotFound {
					t.Errorf("get_meta answered %d: %s", rec.Code, rec.Body.String())
					return
				}
			}
		}()

		rec, _ := f.upload(t, id, 0, 2, "race.bin", []byte("chunk zero"))
		close(stop)
		wg.Wait()
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

// unverifiedSessions resolves ids without checking the directory, which
// reproduces a session being removed between lookup and write.
type unverifiedSessions struct{ *session.Registry }

func (u unverifiedSessions) Resolve(raw string) (session.Location, error) {
	id, err := session.Validate(raw)
	if err != nil {
		return session.Location{}, err
	}
	return session.Location{ID: id, Dir: filepath.Join(u.Root(), string(id))}, nil
}

func TestSessionRemovedDuringUpload(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createSession(t)
	f.upload(t, id, 0, 3, "f", []byte("a"))

	loc, err := f.registry.Resolve(id)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(loc.Dir))

	f.handler = NewServer(f.cfg, unverifiedSessions{f.registry}, f.store, logging.Discard()).Handler(nil)
	rec, resp := f.upload(t, id, 1, 3, "f", []byte("b"))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, CodeInvalidSession, resp.Reason)

	_, resp = f.call(t, http.MethodPost, ActionConfirmChunk, chunkQuery(id, 0))
	require.Equal(t, CodeInvalidSession, resp.Error)
}
