package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"atlas.org/internal/audit"
	"atlas.org/internal/document"
)

const (
	headerDocumentID      = "X-Documento-Id"
	headerDocumentCode    = "X-Documento-Codigo"
	headerDocumentVersion = "X-Documento-Versao"
	headerDocumentHash    = "X-Documento-Hash"

	uploadField = "arquivo"
)

func (a *API) generateDocument(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	orderID := r.PathValue("id")
	gen, err := a.docs.Generate(r.Context(), orderID, document.Issuer{UserID: principal.UserID, Name: principal.Name})
	if err != nil {
		if errors.Is(err, document.ErrGenerationFailed) {
			a.audit(r.Context(), audit.EventDocumentFailed, map[string]string{"order_id": orderID})
		}
		writeAPIError(w, r, err)
		return
	}
	rec := gen.Record
	a.audit(r.Context(), audit.EventDocumentGenerated, map[string]string{
		"order_id":    rec.OrderID,
		"document_id": rec.ID,
		"code":        rec.Code,
		"version":     strconv.Itoa(rec.Version),
		"hash":        rec.Hash,
	})

	h := w.Header()
	h.Set("Content-Type", "application/pdf")
	h.Set("Content-Disposition", `attachment; filename="`+rec.Code+`.pdf"`)
	h.Set("Content-Length", strconv.Itoa(len(gen.PDF)))
	h.Set("Cache-Control", "no-store")
	h.Set(headerDocumentID, rec.ID)
	h.Set(headerDocumentCode, rec.Code)
	h.Set(headerDocumentVersion, strconv.Itoa(rec.Version))
	h.Set(headerDocumentHash, rec.Hash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(gen.PDF)
}

func (a *API) listDocuments(w http.ResponseWriter, r *http.Request) {
	order, err := a.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	recs, err := a.verifier.History(r.Context(), order.ID)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ordem_servico_id": order.ID,
		"documentos":       recs,
	})
}

func (a *API) verifyByID(w http.ResponseWriter, r *http.Request) {
	v, err := a.verifier.ByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) verifyByCode(w http.ResponseWriter, r *http.Request) {
	v, err := a.verifier.ByCode(r.Context(), r.PathValue("code"))
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// verifyIntegrity streams the "arquivo" part of a multipart upload into the
// verifier without buffering the form to disk.
func (a *API) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeAPIError(w, r, validationError(map[string]string{uploadField: "Envie o arquivo PDF em multipart/form-data."}))
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeAPIError(w, r, uploadError(err))
			return
		}
		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}
		res, err := a.verifier.Integrity(r.Context(), r.PathValue("id"), part)
		_ = part.Close()
		if err != nil {
			writeAPIError(w, r, integrityError(err))
			return
		}
		a.audit(r.Context(), audit.EventDocumentVerified, map[string]string{
			"document_id":     res.DocumentID,
			"integrity_valid": strconv.FormatBool(res.IntegrityValid),
		})
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeAPIError(w, r, validationError(map[string]string{uploadField: "Este campo é obrigatório."}))
}

// uploadError maps failures while reading the multipart envelope.
func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errFileTooLarge
	}
	return badRequest("Não foi possível ler o arquivo enviado.")
}

func integrityError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errFileTooLarge
	}
	return err
}
