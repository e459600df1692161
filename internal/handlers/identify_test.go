package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identityresolver/internal/domainerrors"
	"identityresolver/internal/handlers"
	"identityresolver/internal/models"
	"identityresolver/internal/service"
	"identityresolver/internal/store/memory"
)

type fakeResolver struct {
	calls int
	got   models.IdentifyRequest
	resp  *models.ConsolidatedIdentity
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, req models.IdentifyRequest) (*models.ConsolidatedIdentity, error) {
	f.calls++
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func serveIdentify(h *handlers.IdentifyHandler, method, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/identify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestIdentifyHandler(t *testing.T) {
	identity := &models.ConsolidatedIdentity{
		PrimaryContactID:    1,
		Emails:              []string{"lorraine@hillvalley.edu"},
		PhoneNumbers:        []string{"123456"},
		SecondaryContactIDs: []int64{},
	}

	tests := []struct {
		name       string
		method     string
		body       string
		resolveErr error
		wantStatus int
		wantBody   string
		wantCalls  int
	}{
		{
			name:       "success",
			method:     http.MethodPost,
			body:       `{"email":"lorraine@hillvalley.edu","phoneNumber":"123456"}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"primaryContactId":1,"emails":["lorraine@hillvalley.edu"],"phoneNumbers":["123456"],"secondaryContactIds":[]}`,
			wantCalls:  1,
		},
		{
			name:       "get is rejected",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
			wantBody:   `{"error":"Only POST method allowed."}`,
		},
		{
			name:       "put is rejected",
			method:     http.MethodPut,
			body:       `{"email":"a@b.c"}`,
			wantStatus: http.StatusMethodNotAllowed,
			wantBody:   `{"error":"Only POST method allowed."}`,
		},
		{
			name:       "malformed json",
			method:     http.MethodPost,
			body:       `{"email":`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"Invalid JSON."}`,
		},
		{
			name:       "wrong identifier type",
			method:     http.MethodPost,
			body:       `{"email":true}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"Invalid JSON."}`,
		},
		{
			name:       "missing identifiers",
			method:     http.MethodPost,
			body:       `{}`,
			resolveErr: models.ErrMissingIdentifier,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"Something went wrong."}`,
			wantCalls:  1,
		},
		{
			name:       "store failure hides details",
			method:     http.MethodPost,
			body:       `{"email":"a@b.c"}`,
			resolveErr: domainerrors.Wrap(domainerrors.CodeStoreUnavailable, "insert contact", errors.New("disk full")),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"Internal server error."}`,
			wantCalls:  1,
		},
		{
			name:       "unexpected error",
			method:     http.MethodPost,
			body:       `{"email":"a@b.c"}`,
			resolveErr: errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"Internal server error."}`,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{resp: identity, err: tt.resolveErr}
			rec := serveIdentify(handlers.NewIdentifyHandler(resolver, nil), tt.method, tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
			assert.Equal(t, tt.wantCalls, resolver.calls)
		})
	}
}

func TestIdentifyHandlerDecodesNumericPhone(t *testing.T) {
	resolver := &fakeResolver{resp: &models.ConsolidatedIdentity{}}
	rec := serveIdentify(handlers.NewIdentifyHandler(resolver, nil), http.MethodPost, `{"email":null,"phoneNumber":123456}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, resolver.got.Email)
	require.NotNil(t, resolver.got.PhoneNumber)
	assert.Equal(t, "123456", *resolver.got.PhoneNumber)
}

func TestIdentifyHandlerRejectsOversizedBody(t *testing.T) {
	resolver := &fakeResolver{}
	body := `{"email":"` + strings.Repeat("a", 2<<20) + `"}`
	rec := serveIdentify(handlers.NewIdentifyHandler(resolver, nil), http.MethodPost, body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid JSON."}`, rec.Body.String())
	assert.Zero(t, resolver.calls)
}

func TestIdentifyHandlerWithResolver(t *testing.T) {
	h := handlers.NewIdentifyHandler(service.NewResolver(memory.New()), nil)

	rec := serveIdentify(h, http.MethodPost, `{"email":"lorraine@hillvalley.edu","phoneNumber":"123456"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serveIdentify(h, http.MethodPost, `{"email":"mcfly@hillvalley.edu","phoneNumber":"123456"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"primaryContactId": 1,
		"emails": ["lorraine@hillvalley.edu", "mcfly@hillvalley.edu"],
		"phoneNumbers": ["123456"],
		"secondaryContactIds": [2]
	}`, rec.Body.String())

	rec = serveIdentify(h, http.MethodPost, `{"phoneNumber":"1234567890123456789012"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"phoneNumber must be at most 20 characters."}`, rec.Body.String())
}

func TestFallbackHandlers(t *testing.T) {
	rec := httptest.NewRecorder()
	handlers.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Not found."}`, rec.Body.String())

	rec = httptest.NewRecorder()
	handlers.MethodNotAllowed(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"error":"Method not allowed."}`, rec.Body.String())
}
