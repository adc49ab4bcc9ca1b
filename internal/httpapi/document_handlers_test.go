package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas.org/internal/authz"
	"atlas.org/internal/document"
	"atlas.org/internal/ids"
	"atlas.org/internal/serviceorder"
)

var samplePDF = []byte("%PDF-1.4\n% atlas test document\n%%EOF\n")

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// seedDocument stores a completed record whose hash matches samplePDF.
func (h *harness) seedDocument(orderID string, version int) document.Record {
	rec := document.Record{
		ID:          ids.NewUUID(),
		OrderID:     orderID,
		OrderNumero: 42,
		Version:     version,
		Code:        document.FormatCode(42, version),
		Hash:        sha256Hex(samplePDF),
		Snapshot:    []byte(`{"ordem_servico":{"numero":42}}`),
		IssuerName:  "Gustavo Gestor",
		IssuedAt:    time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
	h.docs.put(rec)
	return rec
}

func (h *harness) upload(path, field string, content []byte) *http.Response {
	h.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "documento.pdf")
	require.NoError(h.t, err)
	_, err = fw.Write(content)
	require.NoError(h.t, err)
	require.NoError(h.t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, &buf)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestGenerateDocument(t *testing.T) {
	h := newHarness(t)
	orderID := ids.NewUUID()
	var issuer document.Issuer
	h.gen.fn = func(_ context.Context, id string, who document.Issuer) (*document.Generated, error) {
		issuer = who
		return &document.Generated{
			Record: &document.Record{
				ID: ids.NewUUID(), OrderID: id, OrderNumero: 42, Version: 3,
				Code: document.FormatCode(42, 3), Hash: sha256Hex(samplePDF),
			},
			PDF: samplePDF,
		}, nil
	}

	resp := h.do(http.MethodPost, "/api/ordens-servico/"+orderID+"/documento", tokenGestor, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="DOC-OS-000042-V003.pdf"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "DOC-OS-000042-V003", resp.Header.Get(headerDocumentCode))
	assert.Equal(t, "3", resp.Header.Get(headerDocumentVersion))
	assert.Equal(t, sha256Hex(samplePDF), resp.Header.Get(headerDocumentHash))
	assert.NotEmpty(t, resp.Header.Get(headerDocumentID))
	assert.Equal(t, strconv.Itoa(len(samplePDF)), resp.Header.Get("Content-Length"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, samplePDF, body)
	assert.Equal(t, h.principal(tokenGestor).UserID, issuer.UserID)
	assert.Equal(t, "Gustavo Gestor", issuer.Name)
}

func TestGenerateDocumentFailure(t *testing.T) {
	h := newHarness(t)
	h.gen.fn = func(context.Context, string, document.Issuer) (*document.Generated, error) {
		return nil, fmt.Errorf("%w: render: font missing", document.ErrGenerationFailed)
	}

	resp := h.do(http.MethodPost, "/api/ordens-servico/"+ids.NewUUID()+"/documento", tokenGestor, nil, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, CodeGenerationFailed, body.Code)
	assert.Equal(t, "render: font missing", body.Details)
}

func TestGenerateDocumentRequiresExport(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/api/ordens-servico/"+ids.NewUUID()+"/documento", tokenConsultor, nil, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, authz.CodeForbidden, decodeError(t, resp).Code)
}

func TestListDocuments(t *testing.T) {
	h := newHarness(t)
	orderID := ids.NewUUID()
	h.orders.getFn = func(_ context.Context, id string) (*serviceorder.Order, error) {
		if id != orderID {
			return nil, serviceorder.ErrNotFound
		}
		return &serviceorder.Order{ID: id, Numero: 42}, nil
	}
	h.seedDocument(orderID, 1)
	h.seedDocument(orderID, 2)
	h.docs.put(document.Record{ID: ids.NewUUID(), OrderID: orderID, Version: 3, Code: document.FormatCode(42, 3)})

	resp := h.do(http.MethodGet, "/api/ordens-servico/"+orderID+"/documentos", tokenConsultor, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	type history struct {
		OrderID   string            `json:"ordem_servico_id"`
		Documents []document.Record `json:"documentos"`
	}
	out := decodeBody[history](t, resp)
	assert.Equal(t, orderID, out.OrderID)
	require.Len(t, out.Documents, 2, "incomplete versions are hidden")
	assert.Equal(t, 2, out.Documents[0].Version)
	assert.Equal(t, 1, out.Documents[1].Version)

	resp = h.do(http.MethodGet, "/api/ordens-servico/"+ids.NewUUID()+"/documentos", tokenConsultor, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPublicVerification(t *testing.T) {
	h := newHarness(t)
	rec := h.seedDocument(ids.NewUUID(), 1)

	resp := h.do(http.MethodGet, "/api/public/documentos/"+rec.ID, "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decodeBody[map[string]any](t, resp)
	assert.Equal(t, rec.Code, v["codigo"])
	assert.Equal(t, rec.Hash, v["hash_sha256"])
	assert.NotNil(t, v["snapshot"])

	resp = h.do(http.MethodGet, "/api/public/documentos/codigo/doc-os-000042-v001", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, rec.ID, decodeBody[map[string]any](t, resp)["id"])

	for _, path := range []string{
		"/api/public/documentos/" + ids.NewUUID(),
		"/api/public/documentos/not-a-uuid",
		"/api/public/documentos/codigo/XYZ-1",
	} {
		resp = h.do(http.MethodGet, path, "", nil, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, CodeNotFound, decodeError(t, resp).Code, path)
	}
}

func TestIntegrityCheck(t *testing.T) {
	h := newHarness(t)
	rec := h.seedDocument(ids.NewUUID(), 1)
	path := "/api/public/documentos/" + rec.ID + "/verificar"

	t.Run("matching copy", func(t *testing.T) {
		resp := h.upload(path, uploadField, samplePDF)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		res := decodeBody[document.IntegrityResult](t, resp)
		assert.True(t, res.IntegrityValid)
		assert.Empty(t, res.ComputedHash)
	})

	t.Run("altered copy", func(t *testing.T) {
		altered := append(append([]byte(nil), samplePDF...), []byte("tampered")...)
		resp := h.upload(path, uploadField, altered)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		res := decodeBody[document.IntegrityResult](t, resp)
		assert.False(t, res.IntegrityValid)
		assert.Equal(t, rec.Hash, res.ExpectedHash)
		assert.Equal(t, sha256Hex(altered), res.ComputedHash)
	})

	t.Run("not a pdf", func(t *testing.T) {
		resp := h.upload(path, uploadField, []byte("GIF89a"))
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, CodeInvalidFile, decodeError(t, resp).Code)
	})

	t.Run("too large", func(t *testing.T) {
		big := append([]byte("%PDF-"), bytes.Repeat([]byte("x"), 5000)...)
		resp := h.upload(path, uploadField, big)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, CodeFileTooLarge, decodeError(t, resp).Code)
	})

	t.Run("missing field", func(t *testing.T) {
		resp := h.upload(path, "outro", samplePDF)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decodeError(t, resp)
		assert.Equal(t, CodeValidation, body.Code)
		assert.Contains(t, body.Fields, uploadField)
	})

	t.Run("unknown document", func(t *testing.T) {
		resp := h.upload("/api/public/documentos/"+ids.NewUUID()+"/verificar", uploadField, samplePDF)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
