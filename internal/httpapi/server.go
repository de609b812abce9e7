// Package httpapi implements the collector's HTTP surface (spec.md §6.2):
// read-only introspection of adapters/peripherals/configurations/data, a
// batch I/O endpoint, and the Prometheus /metrics endpoint. net/http's
// ServeMux is the sole stdlib-based ambient component in this codebase -
// justified in DESIGN.md, since no HTTP router or framework appears
// anywhere in the retrieved example pack.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecollector/internal/batch"
	"github.com/srg/blecollector/internal/config"
	"github.com/srg/blecollector/internal/device"
	"github.com/srg/blecollector/internal/gattnames"
	"github.com/srg/blecollector/internal/publish"
)

// AdapterLookup resolves a configured adapter ID to its live device.Adapter,
// for the batch-I/O endpoint.
type AdapterLookup func(adapterID string) (device.Adapter, bool)

// Server wires the API store, config matcher, batch executor, and a
// Prometheus registry into one http.Handler.
type Server struct {
	mux *http.ServeMux
}

// New builds the Server's route table.
func New(store *publish.APIPublisher, matcher *config.Matcher, executor *batch.Executor, adapters AdapterLookup, registry *prometheus.Registry, logger *logrus.Logger) *Server {
	s := &Server{mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /ble/adapters", s.handleAdapters(store))
	s.mux.HandleFunc("GET /ble/adapters/describe", s.handleDescribeAdapters(store))
	s.mux.HandleFunc("GET /ble/adapters/{id}/peripherals", s.handlePeripherals(store, adapters))
	s.mux.HandleFunc("GET /ble/adapters/{id}/peripherals/{address}/services/{service}/characteristics/{char}", s.handleCharacteristicDescriptor(store))
	s.mux.HandleFunc("GET /ble/configurations", s.handleConfigurations(matcher))
	s.mux.HandleFunc("GET /ble/data", s.handleData(store))
	s.mux.HandleFunc("POST /ble/adapters/{id}/io", s.handleIO(executor, adapters, logger))
	s.mux.HandleFunc("GET /ble/audit", s.handleAudit(executor))
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// envelope wraps every JSON response body in {"data": ...}, per spec.md §6.2.
func writeEnvelope(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": msg})
}

func (s *Server) handleAdapters(store *publish.APIPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, store.Adapters())
	}
}

type adapterSummary struct {
	ID              string `json:"id"`
	PeripheralCount int    `json:"peripheral_count"`
}

func (s *Server) handleDescribeAdapters(store *publish.APIPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out []adapterSummary
		for _, id := range store.Adapters() {
			out = append(out, adapterSummary{ID: id, PeripheralCount: len(store.Peripherals(id))})
		}
		writeEnvelope(w, http.StatusOK, out)
	}
}

func (s *Server) handlePeripherals(store *publish.APIPublisher, adapters AdapterLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adapterID := r.PathValue("id")
		if _, ok := adapters(adapterID); !ok {
			writeError(w, http.StatusNotFound, "adapter "+adapterID+" not found")
			return
		}
		writeEnvelope(w, http.StatusOK, snapshotPeripherals(store.Peripherals(adapterID)))
	}
}

func (s *Server) handleConfigurations(matcher *config.Matcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, snapshotConfigurations(matcher.All()))
	}
}

func (s *Server) handleData(store *publish.APIPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out []peripheralSnapshot
		for _, adapterID := range store.Adapters() {
			out = append(out, snapshotPeripherals(store.Peripherals(adapterID))...)
		}
		writeEnvelope(w, http.StatusOK, out)
	}
}

// handleCharacteristicDescriptor is the single-characteristic descriptor
// endpoint supplemented in SPEC_FULL.md §10: full history plus a
// known_name lookup, for a client inspecting one data point in isolation
// instead of the whole peripheral tree from /ble/data.
func (s *Server) handleCharacteristicDescriptor(store *publish.APIPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adapterID, address := r.PathValue("id"), r.PathValue("address")
		serviceUUID, charUUID := r.PathValue("service"), r.PathValue("char")

		ch, ok := store.Characteristic(adapterID, address, serviceUUID, charUUID)
		if !ok {
			writeError(w, http.StatusNotFound, "characteristic not found")
			return
		}

		known, _ := gattnames.Lookup(charUUID)
		writeEnvelope(w, http.StatusOK, characteristicDescriptor{
			ServiceUUID:        serviceUUID,
			CharacteristicUUID: charUUID,
			KnownName:          known,
			NumUpdates:         ch.NumUpdates,
			UpdatedAt:          ch.UpdatedAt,
			History:            snapshotHistory(ch.History()),
		})
	}
}

// auditFrameJSON mirrors batch.AuditFrame; Data round-trips through JSON as
// base64, the standard encoding/json behavior for []byte fields.
type auditFrameJSON struct {
	CharacteristicUUID string `json:"characteristic_uuid"`
	Data               []byte `json:"data"`
}

// handleAudit drains the batch executor's diagnostic trail of successful
// reads/writes (SPEC_FULL.md §10's supplemented audit endpoint), returning
// the frames recorded since the previous call.
func (s *Server) handleAudit(executor *batch.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frames := executor.AuditTrail()
		out := make([]auditFrameJSON, len(frames))
		for i, f := range frames {
			out[i] = auditFrameJSON{CharacteristicUUID: f.CharacteristicUUID, Data: f.Data}
		}
		writeEnvelope(w, http.StatusOK, out)
	}
}

// PeripheralIoRequest is the `POST /adapters/{id}/io` body: an ordered list
// of batches against one peripheral address, per spec.md §4.7/§6.2.
type PeripheralIoRequest struct {
	Address     string        `json:"address"`
	Parallelism int           `json:"parallelism,omitempty"`
	Batches     []ioBatchJSON `json:"batches"`
}

type ioBatchJSON struct {
	Parallelism int             `json:"parallelism,omitempty"`
	Commands    []ioCommandJSON `json:"commands"`
}

type ioCommandJSON struct {
	ServiceUUID        string `json:"service_uuid"`
	CharacteristicUUID string `json:"characteristic_uuid"`
	Op                 string `json:"op"` // "read" | "write"
	WaitNotification   bool   `json:"wait_notification,omitempty"`
	Data               []byte `json:"data,omitempty"`
	WithResponse       bool   `json:"with_response,omitempty"`
	TimeoutMillis      *int64 `json:"timeout_ms,omitempty"` // absent = use server default; 0 = fail fast
}

type ioResultJSON struct {
	ServiceUUID        string `json:"service_uuid"`
	CharacteristicUUID string `json:"characteristic_uuid"`
	Value              []byte `json:"value,omitempty"`
	Error              string `json:"error,omitempty"`
}

// PeripheralIoResponse mirrors the request's batch/command shape.
type PeripheralIoResponse struct {
	Batches [][]ioResultJSON `json:"batches"`
}

func (s *Server) handleIO(executor *batch.Executor, adapters AdapterLookup, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adapterID := r.PathValue("id")
		adapter, ok := adapters(adapterID)
		if !ok {
			writeError(w, http.StatusNotFound, "adapter "+adapterID+" not found")
			return
		}

		var req PeripheralIoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		execReq := batch.Request{Address: req.Address, Parallelism: req.Parallelism}
		for _, b := range req.Batches {
			execBatch := batch.Batch{Parallelism: b.Parallelism}
			for _, c := range b.Commands {
				op := batch.OpRead
				if c.Op == "write" {
					op = batch.OpWrite
				}
				timeout := batch.UnsetTimeout
				if c.TimeoutMillis != nil {
					timeout = time.Duration(*c.TimeoutMillis) * time.Millisecond
				}
				execBatch.Commands = append(execBatch.Commands, batch.Command{
					ServiceUUID:        c.ServiceUUID,
					CharacteristicUUID: c.CharacteristicUUID,
					Op:                 op,
					WaitNotification:   c.WaitNotification,
					Data:               c.Data,
					WithResponse:       c.WithResponse,
					Timeout:            timeout,
				})
			}
			execReq.Batches = append(execReq.Batches, execBatch)
		}

		resp, err := executor.Execute(r.Context(), adapter, execReq)
		if err != nil {
			logger.WithFields(logrus.Fields{"adapter": adapterID, "address": req.Address, "error": err}).Warn("batch io failed")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		out := PeripheralIoResponse{Batches: make([][]ioResultJSON, len(resp))}
		for i, batchResults := range resp {
			row := make([]ioResultJSON, len(batchResults))
			for j, res := range batchResults {
				rj := ioResultJSON{ServiceUUID: res.Command.ServiceUUID, CharacteristicUUID: res.Command.CharacteristicUUID, Value: res.Value}
				if res.Err != nil {
					rj.Error = res.Err.Error()
				}
				row[j] = rj
			}
			out.Batches[i] = row
		}

		// spec.md §6.2: 400 with the serialized response as body if any
		// per-command error is present, otherwise 200.
		status := http.StatusOK
		if resp.HasError() {
			status = http.StatusBadRequest
		}
		writeEnvelope(w, status, out)
	}
}
