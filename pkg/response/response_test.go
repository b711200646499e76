package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	appErrors "github.com/charlesng35/bucketcast/pkg/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreatedAndMeta(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	Created(ctx, gin.H{"id": "m1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, decode(t, rec).Success)

	rec = httptest.NewRecorder()
	ctx, _ = gin.CreateTestContext(rec)
	SuccessWithMeta(ctx, http.StatusOK, []string{"a"}, &Meta{Total: 1, NextSince: 42})
	resp := decode(t, rec)
	require.NotNil(t, resp.Meta)
	require.EqualValues(t, 42, resp.Meta.NextSince)
}

func TestErrorCarriesCodeAndDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)

	Error(ctx, appErrors.ErrRateLimit.WithDetails(map[string]any{"retry_after": 3}))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.True(t, ctx.IsAborted())
	resp := decode(t, rec)
	require.False(t, resp.Success)
	require.Equal(t, "RATE_LIMIT_EXCEEDED", resp.Error.Code)
	require.EqualValues(t, 3, resp.Error.Details["retry_after"])
}

func TestErrorWithGenericError(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)

	Error(ctx, errors.New("boom"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, appErrors.ErrInternalServer.Code, decode(t, rec).Error.Code)
}
