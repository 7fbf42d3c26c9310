// Package diag serves a read-mostly HTTP view of a device: queue
// occupancy, in-flight SQEs, the fault state and the journal.
package diag

import (
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/samcharles93/rts/internal/fault"
	"github.com/samcharles93/rts/internal/queue"
	"github.com/samcharles93/rts/internal/rts"
	"github.com/samcharles93/rts/internal/sqe"
	"github.com/samcharles93/rts/internal/version"
)

type Server struct {
	dev *rts.Device
}

func NewServer(dev *rts.Device) *Server {
	return &Server{dev: dev}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/device", s.handleDevice)
	e.POST("/v1/device/repair", s.handleRepair)
	e.GET("/v1/streams", s.handleStreams)
	e.GET("/v1/streams/:id", s.handleStream)
	e.GET("/v1/streams/:id/sq", s.handleSQ)
	e.GET("/v1/faults", s.handleFaults)
	e.GET("/v1/completions", s.handleCompletions)
}

type DeviceResponse struct {
	ID         uint32        `json:"id"`
	Generation string        `json:"generation"`
	Streams    int           `json:"streams"`
	InUse      int           `json:"tasks_in_use"`
	Fault      fault.Verbose `json:"fault"`
	Build      version.Info  `json:"build"`
}

type TaskView struct {
	TaskID   uint32 `json:"task_id"`
	Sn       uint32 `json:"task_sn"`
	Kind     string `json:"kind"`
	State    string `json:"state"`
	Position string `json:"position"`
}

type StreamResponse struct {
	queue.Occupancy
	Tasks []TaskView `json:"tasks"`
}

type SlotView struct {
	Pos    uint32 `json:"pos"`
	Addr   uint64 `json:"addr"`
	Op     string `json:"op"`
	Chain  string `json:"chain"`
	TaskID uint16 `json:"task_id"`
	WrCqe  bool   `json:"wr_cqe"`
	Raw    string `json:"raw"`
}

type RepairRequest struct {
	Kind string `json:"kind"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeError(c *echo.Context, status int, msg string) error {
	return c.JSON(status, ErrorResponse{Error: msg})
}

func (s *Server) handleDevice(c *echo.Context) error {
	return c.JSON(http.StatusOK, DeviceResponse{
		ID:         s.dev.ID(),
		Generation: s.dev.Profile().Generation.String(),
		Streams:    len(s.dev.StreamIDs()),
		InUse:      s.dev.InUse(),
		Fault:      s.dev.Fault(),
		Build:      version.Resolve(),
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	err := json.NewDecoder(r).Decode(&out)
	return out, err
}

func (s *Server) handleRepair(c *echo.Context) error {
	req, err := decodeJSON[RepairRequest](c.Request().Body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid body: "+err.Error())
	}
	kind, err := fault.ParseRepairKind(req.Kind)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err.Error())
	}
	if err := s.dev.Repair(kind); err != nil {
		if errors.Is(err, fault.ErrNoFault) || errors.Is(err, fault.ErrNotRepairable) {
			return writeError(c, http.StatusConflict, err.Error())
		}
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s.dev.Fault())
}

func (s *Server) handleStreams(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.dev.Occupancy())
}

func streamID(c *echo.Context) (uint32, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	return uint32(id), err == nil
}

func (s *Server) handleStream(c *echo.Context) error {
	id, ok := streamID(c)
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid stream id")
	}
	st, err := s.dev.Stream(id)
	if err != nil {
		return writeError(c, http.StatusNotFound, err.Error())
	}
	resp := StreamResponse{Occupancy: st.Occupancy(), Tasks: []TaskView{}}
	for _, d := range st.Outstanding() {
		resp.Tasks = append(resp.Tasks, TaskView{
			TaskID:   d.ID,
			Sn:       d.Sn,
			Kind:     d.Kind.String(),
			State:    d.State().String(),
			Position: st.Position(d.ID).String(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSQ decodes the slots between head and tail.
func (s *Server) handleSQ(c *echo.Context) error {
	id, ok := streamID(c)
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid stream id")
	}
	st, err := s.dev.Stream(id)
	if err != nil {
		return writeError(c, http.StatusNotFound, err.Error())
	}
	ring, err := s.dev.Ring(id)
	if err != nil {
		return writeError(c, http.StatusNotFound, err.Error())
	}
	occ := st.Occupancy()
	gen := s.dev.Profile().Generation
	slots := []SlotView{}
	cont := 0
	for pos := occ.Head; pos != occ.Tail; pos = (pos + 1) % occ.Depth {
		raw := ring.Read(pos)
		if cont > 0 {
			cont--
			slots = append(slots, SlotView{
				Pos:  pos,
				Addr: ring.SlotAddr(pos),
				Op:   "ARGS",
				Raw:  hex.EncodeToString(raw[:]),
			})
			continue
		}
		cont = sqe.Span(gen, raw) - 1
		h := sqe.Decode(gen, raw)
		slots = append(slots, SlotView{
			Pos:    pos,
			Addr:   ring.SlotAddr(pos),
			Op:     h.Op.String(),
			Chain:  h.Chain.String(),
			TaskID: h.TaskID,
			WrCqe:  h.WrCqe,
			Raw:    hex.EncodeToString(raw[:]),
		})
	}
	return c.JSON(http.StatusOK, slots)
}

func queryInt(c *echo.Context, name string, def int64) (int64, bool) {
	v := c.QueryParam(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func (s *Server) handleFaults(c *echo.Context) error {
	j := s.dev.Journal()
	if j == nil {
		return writeError(c, http.StatusServiceUnavailable, "journal disabled")
	}
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid limit")
	}
	rows, err := j.RecentFaults(c.Request().Context(), int(limit))
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) handleCompletions(c *echo.Context) error {
	j := s.dev.Journal()
	if j == nil {
		return writeError(c, http.StatusServiceUnavailable, "journal disabled")
	}
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid limit")
	}
	stream, ok := queryInt(c, "stream", -1)
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid stream")
	}
	rows, err := j.RecentCompletions(c.Request().Context(), stream, int(limit))
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rows)
}
