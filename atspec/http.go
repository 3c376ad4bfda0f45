package atspec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.jpl.nasa.gov/bdube/atspec/generichttp"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 64
)

// HTTPWrapper exposes a Controller over HTTP, plus a websocket stream of
// every transition the controller publishes
type HTTPWrapper struct {
	// Ctl is the underlying controller
	Ctl *Controller

	// Events is the broadcaster the controller publishes to.  When nil
	// /events is not served.
	Events *Broadcaster

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable

	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

// NewHTTPWrapper returns a new HTTP wrapper around a controller.  events and
// log may be nil.
func NewHTTPWrapper(ctl *Controller, events *Broadcaster, log logrus.FieldLogger) *HTTPWrapper {
	if log == nil {
		log = discardLogger()
	}
	h := &HTTPWrapper{
		Ctl:    ctl,
		Events: events,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/status"}: h.status,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/home"}:  h.home,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/pos"}:   h.move,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/slot"}:  h.moveSlot,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}:              h.stop,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/stage/limit"}:        h.limit,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/stage/limitswitch"}:  h.limitSwitch,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/stage/tolerance"}:    h.tolerance,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/slots/{axis}"}:       h.slots,
	}
	if events != nil {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/events"}] = h.events
	}
	h.RouteTable = rt
	return h
}

// RT satisfies the generichttp.HTTPer interface
func (h *HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// StatusReply is the body of GET /axis/{axis}/status
type StatusReply struct {
	Axis Axis `json:"axis"`
	Sample
	Slot *Slot `json:"slot,omitempty"`
}

func axisParam(w http.ResponseWriter, r *http.Request) (Axis, bool) {
	a, err := ParseAxis(chi.URLParam(r, "axis"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return 0, false
	}
	return a, true
}

// httpStatus maps an error from the controller to a response code
func httpStatus(err error) int {
	var (
		rejected *CommandRejectedError
		notStill *NotStationaryError
		timeout  *TimeoutError
		fault    *DeviceFaultError
		proto    *ProtocolError
		notReady *NotReadyError
		conn     *ConnectionError
	)
	switch {
	case errors.Is(err, ErrExposing):
		return http.StatusLocked
	case errors.Is(err, ErrOutOfRange):
		return http.StatusBadRequest
	case errors.As(err, &rejected), errors.As(err, &notStill):
		return http.StatusConflict
	case errors.As(err, &timeout), errors.Is(err, ErrResponseTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &proto), errors.As(err, &notReady):
		return http.StatusBadGateway
	case errors.As(err, &conn), errors.Is(err, ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.As(err, &fault):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPWrapper) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	h.log.WithFields(logrus.Fields{"path": r.URL.Path, "code": code}).WithError(err).Warn("request failed")
	http.Error(w, err.Error(), code)
}

func (h *HTTPWrapper) status(w http.ResponseWriter, r *http.Request) {
	a, ok := axisParam(w, r)
	if !ok {
		return
	}
	s, err := h.Ctl.Status(r.Context(), a)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	generichttp.Reply(w, StatusReply{Axis: a, Sample: s, Slot: h.Ctl.slotFor(a, s)})
}

func (h *HTTPWrapper) home(w http.ResponseWriter, r *http.Request) {
	a, ok := axisParam(w, r)
	if !ok {
		return
	}
	if err := h.Ctl.Home(r.Context(), a); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPWrapper) move(w http.ResponseWriter, r *http.Request) {
	a, ok := axisParam(w, r)
	if !ok {
		return
	}
	f := generichttp.FloatT{}
	err := json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Ctl.Move(r.Context(), a, f.F64, ""); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPWrapper) moveSlot(w http.ResponseWriter, r *http.Request) {
	a, ok := axisParam(w, r)
	if !ok {
		return
	}
	s := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.Str == "" {
		http.Error(w, "slot name is required", http.StatusBadRequest)
		return
	}
	if err := h.Ctl.Move(r.Context(), a, 0, s.Str); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPWrapper) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.Ctl.StopAll(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPWrapper) limit(w http.ResponseWriter, r *http.Request) {
	generichttp.Reply(w, h.Ctl.Config().Stage)
}

func (h *HTTPWrapper) tolerance(w http.ResponseWriter, r *http.Request) {
	generichttp.GetFloat(func() (float64, error) {
		return h.Ctl.Config().Tolerance, nil
	})(w, r)
}

func (h *HTTPWrapper) limitSwitch(w http.ResponseWriter, r *http.Request) {
	code, err := h.Ctl.LimitSwitch(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	generichttp.GetInt(func() (int, error) { return code, nil })(w, r)
}

func (h *HTTPWrapper) slots(w http.ResponseWriter, r *http.Request) {
	a, ok := axisParam(w, r)
	if !ok {
		return
	}
	if !a.Discrete() {
		http.Error(w, a.String()+" has no slots", http.StatusNotFound)
		return
	}
	generichttp.Reply(w, h.Ctl.Slots(a))
}

// events streams published transitions as JSON text frames until the
// client goes away
func (h *HTTPWrapper) events(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		return
	}
	ch, unsubscribe := h.Events.Subscribe(wsBuffer)
	defer unsubscribe()
	defer conn.Close()

	// the read side only exists to notice the client leaving and to answer
	// pongs
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
