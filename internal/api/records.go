package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/possync/internal/id"
	"github.com/hyperengineering/possync/internal/store"
)

const (
	// DefaultPerPage is the page size when perPage is absent.
	DefaultPerPage = 30

	// MaxPerPage caps the page size.
	MaxPerPage = 1000
)

// systemFields are owned by the backend and never stored as record data.
var systemFields = []string{"id", "created", "updated", "collectionId", "collectionName", "expand"}

// ListResponse is the paginated list envelope.
type ListResponse struct {
	Page       int               `json:"page"`
	PerPage    int               `json:"perPage"`
	TotalPages int               `json:"totalPages"`
	TotalItems int               `json:"totalItems"`
	Items      []json.RawMessage `json:"items"`
}

// ListRecords handles GET /api/collections/{name}/records
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())
	q := r.URL.Query()

	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid page")
		return
	}
	perPage, err := intParam(q.Get("perPage"), DefaultPerPage)
	if err != nil || perPage < 1 {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid perPage")
		return
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	after, err := parseFilter(q.Get("filter"))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	records, total, err := h.store.List(r.Context(), collection, after, page, perPage)
	if err != nil {
		slog.Error("list failed", "component", "api", "action", "list_records", "collection", collection, "error", err)
		MapStoreError(w, r, err)
		return
	}

	resp := ListResponse{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: (total + perPage - 1) / perPage,
		Items:      make([]json.RawMessage, 0, len(records)),
	}
	for i := range records {
		item, err := recordJSON(&records[i])
		if err != nil {
			slog.Error("encode record failed", "component", "api", "collection", collection, "record_id", records[i].ID, "error", err)
			WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		resp.Items = append(resp.Items, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRecord handles GET /api/collections/{name}/records/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())
	rec, err := h.store.Get(r.Context(), collection, chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	h.writeRecord(w, r, http.StatusOK, rec)
}

// CreateRecord handles POST /api/collections/{name}/records. A body
// without an id gets a generated one.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())

	fields, err := decodeFields(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	var recordID string
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &recordID); err != nil {
			MapStoreError(w, r, store.ErrInvalidID)
			return
		}
	}
	if recordID == "" {
		if recordID, err = id.Generate(); err != nil {
			MapStoreError(w, r, err)
			return
		}
	}

	data, err := dataFields(fields)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.store.Create(r.Context(), collection, recordID, data)
	if err != nil {
		if !errors.Is(err, store.ErrDuplicateID) && !errors.Is(err, store.ErrInvalidID) {
			slog.Error("create failed", "component", "api", "action", "create_record", "collection", collection, "record_id", recordID, "error", err)
		}
		MapStoreError(w, r, err)
		return
	}

	slog.Debug("record created",
		"component", "api",
		"action", "create_record",
		"collection", collection,
		"record_id", recordID,
		"device_id", DeviceIDFromContext(r.Context()),
	)
	h.writeRecord(w, r, http.StatusOK, rec)
}

// UpdateRecord handles PATCH /api/collections/{name}/records/{id}
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())
	recordID := chi.URLParam(r, "id")

	fields, err := decodeFields(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	patch, err := dataFields(fields)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.store.Update(r.Context(), collection, recordID, patch)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Debug("record updated",
		"component", "api",
		"action", "update_record",
		"collection", collection,
		"record_id", recordID,
		"device_id", DeviceIDFromContext(r.Context()),
	)
	h.writeRecord(w, r, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /api/collections/{name}/records/{id}
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	collection := MustCollectionFromContext(r.Context())
	recordID := chi.URLParam(r, "id")

	if err := h.store.Delete(r.Context(), collection, recordID); err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Debug("record deleted",
		"component", "api",
		"action", "delete_record",
		"collection", collection,
		"record_id", recordID,
		"device_id", DeviceIDFromContext(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeRecord(w http.ResponseWriter, r *http.Request, status int, rec *store.BackendRecord) {
	body, err := recordJSON(rec)
	if err != nil {
		slog.Error("encode record failed", "component", "api", "collection", rec.Collection, "record_id", rec.ID, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// recordJSON renders a record as its data fields plus the system fields.
func recordJSON(rec *store.BackendRecord) (json.RawMessage, error) {
	m := map[string]any{}
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, &m); err != nil {
			return nil, fmt.Errorf("decode %s/%s data: %w", rec.Collection, rec.ID, err)
		}
	}
	m["id"] = rec.ID
	m["collectionName"] = rec.Collection
	m["created"] = rec.Created
	m["updated"] = rec.Updated
	return json.Marshal(m)
}

// decodeFields reads a JSON object body.
func decodeFields(r *http.Request) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// dataFields drops the system fields and re-encodes the rest.
func dataFields(fields map[string]json.RawMessage) (json.RawMessage, error) {
	for _, k := range systemFields {
		delete(fields, k)
	}
	return json.Marshal(fields)
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
