package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teivault/teivault/pkg/catalog"
	"github.com/teivault/teivault/pkg/vault"
)

// maxContentBytes bounds request bodies carrying file content.
const maxContentBytes = 256 << 20

// FilesHandler serves the catalog CRUD endpoints.
type FilesHandler struct {
	vault *vault.Vault
}

// NewFilesHandler creates a files handler.
func NewFilesHandler(v *vault.Vault) *FilesHandler {
	return &FilesHandler{vault: v}
}

// createRequest is the POST /files payload. Content is base64 in the
// JSON encoding.
type createRequest struct {
	Content        []byte          `json:"content"`
	Filename       string          `json:"filename"`
	DocID          string          `json:"doc_id"`
	DocIDType      string          `json:"doc_id_type"`
	FileType       string          `json:"file_type"`
	Label          string          `json:"label"`
	Variant        *string         `json:"variant,omitempty"`
	Version        *int            `json:"version,omitempty"`
	IsGoldStandard bool            `json:"is_gold_standard"`
	Collections    []string        `json:"collections,omitempty"`
	DocMetadata    catalog.MetaMap `json:"doc_metadata,omitempty"`
	FileMetadata   catalog.MetaMap `json:"file_metadata,omitempty"`
	CreatedBy      string          `json:"created_by"`
}

// Create handles POST /files.
func (h *FilesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxContentBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if len(req.Content) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("content is required"))
		return
	}

	ft, err := catalog.ParseFileType(req.FileType)
	if err != nil {
		writeError(w, err)
		return
	}

	entry, err := h.vault.Create(r.Context(), req.Content, vault.CreateOptions{
		Filename:       req.Filename,
		DocID:          req.DocID,
		DocIDType:      req.DocIDType,
		FileType:       ft,
		Label:          req.Label,
		Variant:        req.Variant,
		Version:        req.Version,
		IsGoldStandard: req.IsGoldStandard,
		Collections:    req.Collections,
		DocMetadata:    req.DocMetadata,
		FileMetadata:   req.FileMetadata,
		CreatedBy:      req.CreatedBy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, okResponse(entry))
}

// List handles GET /files with collection, variant, file_type, and
// include_deleted filters.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := catalog.ListOptions{
		Collection:     q.Get("collection"),
		IncludeDeleted: q.Get("include_deleted") == "true",
	}
	if v, ok := q["variant"]; ok && len(v) > 0 {
		opts.Variant = &v[0]
	}
	if ftStr := q.Get("file_type"); ftStr != "" {
		ft, err := catalog.ParseFileType(ftStr)
		if err != nil {
			writeError(w, err)
			return
		}
		opts.FileType = ft
	}

	entries, err := h.vault.Catalog().List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]interface{}{
		"count": len(entries),
		"files": entries,
	}))
}

// Get handles GET /files/{stableID}, metadata only.
func (h *FilesHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry, err := h.vault.Catalog().GetByStableID(r.Context(), chi.URLParam(r, "stableID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(entry))
}

// Content handles GET /files/{stableID}/content, streaming the blob.
func (h *FilesHandler) Content(w http.ResponseWriter, r *http.Request) {
	entry, rc, err := h.vault.OpenContent(r.Context(), chi.URLParam(r, "stableID"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", entry.MimeType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", entry.FileSize))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.Filename))
	w.Header().Set("ETag", `"`+entry.ContentHash+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are out; nothing useful left to report to the
		// client.
		return
	}
}

// SaveContent handles PUT /files/{stableID}/content. The raw request
// body is the new content; the caller must hold the file lock.
func (h *FilesHandler) SaveContent(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(io.LimitReader(r.Body, maxContentBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("failed to read content: "+err.Error()))
		return
	}
	if len(content) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("content is required"))
		return
	}

	entry, err := h.vault.Save(r.Context(), chi.URLParam(r, "stableID"), sessionFrom(r), content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(entry))
}

// updateRequest is the PATCH /files/{stableID} payload. Only the
// fields present are changed.
type updateRequest struct {
	Label          *string          `json:"label,omitempty"`
	Variant        *string          `json:"variant,omitempty"`
	Version        *int             `json:"version,omitempty"`
	IsGoldStandard *bool            `json:"is_gold_standard,omitempty"`
	Collections    *[]string        `json:"collections,omitempty"`
	DocMetadata    *catalog.MetaMap `json:"doc_metadata,omitempty"`
	FileMetadata   *catalog.MetaMap `json:"file_metadata,omitempty"`
}

// Update handles PATCH /files/{stableID}.
func (h *FilesHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}

	entry, err := h.vault.UpdateMetadata(r.Context(), chi.URLParam(r, "stableID"), sessionFrom(r),
		func(e *catalog.FileEntry) {
			if req.Label != nil {
				e.Label = *req.Label
			}
			if req.Variant != nil {
				e.Variant = req.Variant
			}
			if req.Version != nil {
				e.Version = req.Version
			}
			if req.IsGoldStandard != nil {
				e.IsGoldStandard = *req.IsGoldStandard
			}
			if req.Collections != nil {
				e.DocCollections = *req.Collections
			}
			if req.DocMetadata != nil {
				e.DocMetadata = *req.DocMetadata
			}
			if req.FileMetadata != nil {
				e.FileMetadata = *req.FileMetadata
			}
		})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(entry))
}

// Delete handles DELETE /files/{stableID} (soft delete).
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.Delete(r.Context(), chi.URLParam(r, "stableID"), sessionFrom(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(nil))
}

// Undelete handles POST /files/{stableID}/undelete.
func (h *FilesHandler) Undelete(w http.ResponseWriter, r *http.Request) {
	stableID := chi.URLParam(r, "stableID")
	if err := h.vault.Undelete(r.Context(), stableID); err != nil {
		writeError(w, err)
		return
	}
	entry, err := h.vault.Catalog().GetByStableID(r.Context(), stableID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(entry))
}
