package diag

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/fault"
	"github.com/samcharles93/rts/internal/hal"
	"github.com/samcharles93/rts/internal/hal/sim"
	"github.com/samcharles93/rts/internal/journal"
	"github.com/samcharles93/rts/internal/queue"
	"github.com/samcharles93/rts/internal/rts"
	"github.com/samcharles93/rts/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	e   *echo.Echo
	dev *rts.Device
	drv *sim.Driver
	sid uint32
}

func newFixture(t *testing.T, opts ...rts.Option) *fixture {
	t.Helper()
	prof := chip.DefaultProfile(chip.David)
	prof.QueueDepth = 16
	drv := sim.New(chip.David)
	dev, err := rts.New(prof, drv, append([]rts.Option{rts.WithPoolSize(32)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	sid, err := dev.NewStream()
	require.NoError(t, err)

	e := echo.New()
	NewServer(dev).Register(e)
	return &fixture{e: e, dev: dev, drv: drv, sid: sid}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *fixture) submitNop(t *testing.T) *task.Descriptor {
	t.Helper()
	d, err := f.dev.Alloc(f.sid, task.KindNop)
	require.NoError(t, err)
	require.NoError(t, task.NopInit(d))
	require.NoError(t, f.dev.Submit(context.Background(), d))
	return d
}

func TestDeviceAndRepair(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/device", "")
	require.Equal(t, http.StatusOK, rec.Code)
	dev := decode[map[string]any](t, rec)
	assert.Equal(t, "david", dev["generation"])
	assert.Equal(t, "no_error", dev["fault"].(map[string]any)["type"])

	rec = f.do(t, http.MethodPost, "/v1/device/repair", `{"kind":"aicore"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "nothing to repair")

	f.drv.PushErrorRecord(hal.ErrorRecord{Subsystem: hal.SubsystemAICore, ErrClass: uint8(fault.ClassSw)})
	_, err := f.dev.Poll(context.Background())
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/v1/device", "")
	assert.Equal(t, "aicore_sw", decode[map[string]any](t, rec)["fault"].(map[string]any)["type"])

	rec = f.do(t, http.MethodPost, "/v1/device/repair", `{"kind":"warp"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/device/repair", `{"kind":"link"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/device/repair", `{"kind":"aicore"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[map[string]any](t, rec)
	assert.Equal(t, "no_error", v["type"])
	assert.EqualValues(t, 1, v["recover_count"])
}

func TestStreamsAndSQ(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.submitNop(t)
	f.submitNop(t)

	rec := f.do(t, http.MethodGet, "/v1/streams", "")
	require.Equal(t, http.StatusOK, rec.Code)
	occ := decode[[]queue.Occupancy](t, rec)
	require.Len(t, occ, 1)
	assert.Equal(t, uint32(2), occ[0].Tail)

	rec = f.do(t, http.MethodGet, "/v1/streams/0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[StreamResponse](t, rec)
	require.Len(t, st.Tasks, 2)
	assert.Equal(t, "NOP", st.Tasks[1].Kind)
	assert.Equal(t, uint32(1), st.Tasks[1].TaskID)

	rec = f.do(t, http.MethodGet, "/v1/streams/0/sq", "")
	require.Equal(t, http.StatusOK, rec.Code)
	slots := decode[[]SlotView](t, rec)
	require.Len(t, slots, 2)
	assert.Equal(t, uint32(1), slots[1].Pos)
	assert.Len(t, slots[1].Raw, 128)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/streams/9", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/streams/x/sq", "").Code)
}

func TestJournalEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/v1/faults", "").Code)

	j, err := journal.Open(filepath.Join(t.TempDir(), "diag.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	f = newFixture(t, rts.WithJournal(j))

	d, err := f.dev.Alloc(f.sid, task.KindWriteValue)
	require.NoError(t, err)
	require.NoError(t, task.WriteValueInit(d, task.WriteValue{Addr: 0x40, Size: 4, WrCqe: task.WrCqeAlways}))
	require.NoError(t, f.dev.Submit(context.Background(), d))
	f.drv.Step()
	_, err = f.dev.Poll(context.Background())
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/completions?stream=0&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]journal.CompletionRow](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, "WRITE_VALUE", rows[0].Kind)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/faults?limit=abc", "").Code)
	rec = f.do(t, http.MethodGet, "/v1/faults", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
