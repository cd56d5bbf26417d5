package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raahi/dispatch/internal/codec"
	"github.com/raahi/dispatch/pkg/common"
)

// testRouter mounts the handler behind a stub auth layer that reads
// identity from headers.
func testRouter(e *env) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("user_id", c.GetHeader("X-User"))
		c.Set("user_role", c.GetHeader("X-Role"))
	})
	NewHandler(e.svc).RegisterRoutes(r.Group(""))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, user, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", user)
	req.Header.Set("X-Role", role)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) common.Response {
	t.Helper()
	var resp common.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func createRideHTTP(t *testing.T, r *gin.Engine) map[string]any {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/rides", "pax-1", "passenger", rideInput("pax-1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeEnvelope(t, w)
	ride, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	return ride
}

func TestHTTP_CreateRide(t *testing.T) {
	e := newEnv(t)
	r := testRouter(e)

	ride := createRideHTTP(t, r)
	assert.Equal(t, "PENDING", ride["status"])
	assert.Regexp(t, `^\d{4}$`, ride["ride_otp"], "passenger response carries the OTP")
}

func TestHTTP_AcceptConflict(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	e.addDriver("drv-b", "usr-b", 28.6300, 77.2200)
	r := testRouter(e)

	ride := createRideHTTP(t, r)
	rideID := ride["ride_id"].(string)

	w := doJSON(t, r, http.MethodPost, "/rides/"+rideID+"/accept", "usr-a", "driver", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/rides/"+rideID+"/accept", "usr-b", "driver", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	resp := decodeEnvelope(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, common.CodeRideAlreadyTaken, resp.Error.ErrorCode)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "drv-a", data["assigned_to"])
}

func TestHTTP_StartInvalidOtp(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	r := testRouter(e)

	ride := createRideHTTP(t, r)
	rideID := ride["ride_id"].(string)

	w := doJSON(t, r, http.MethodPost, "/rides/"+rideID+"/accept", "usr-a", "driver", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodPut, "/rides/"+rideID+"/status", "usr-a", "driver", gin.H{"status": "CONFIRMED"})
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodPut, "/rides/"+rideID+"/status", "usr-a", "driver", gin.H{"status": "DRIVER_ARRIVED"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/rides/"+rideID+"/start", "usr-a", "driver", gin.H{"otp": "0000"})
	if w.Code == http.StatusOK {
		// One-in-ten-thousand OTP collision; the gate itself is covered
		// by the service tests.
		t.Skip("random OTP happened to be 0000")
	}
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeEnvelope(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, common.CodeInvalidOtp, resp.Error.ErrorCode)
}

func TestHTTP_DriverViewOmitsOtp(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	r := testRouter(e)

	ride := createRideHTTP(t, r)
	rideID := ride["ride_id"].(string)

	w := doJSON(t, r, http.MethodPost, "/rides/"+rideID+"/accept", "usr-a", "driver", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/rides/"+rideID, "usr-a", "driver", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "ride_otp")

	w = doJSON(t, r, http.MethodGet, "/rides/"+rideID, "pax-1", "passenger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ride_otp")
}

func TestHTTP_InvalidTransition(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	r := testRouter(e)

	ride := createRideHTTP(t, r)
	rideID := ride["ride_id"].(string)
	w := doJSON(t, r, http.MethodPost, "/rides/"+rideID+"/accept", "usr-a", "driver", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// CONFIRMED -> RIDE_STARTED skips DRIVER_ARRIVED.
	w = doJSON(t, r, http.MethodPut, "/rides/"+rideID+"/status", "usr-a", "driver", gin.H{"status": "CONFIRMED"})
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodPut, "/rides/"+rideID+"/status", "usr-a", "driver", gin.H{"status": "RIDE_STARTED", "otp": "1234"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}

func TestHTTP_UnknownRide(t *testing.T) {
	e := newEnv(t)
	r := testRouter(e)

	w := doJSON(t, r, http.MethodGet, "/rides/nope", "pax-1", "passenger", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTP_RoleGuards(t *testing.T) {
	e := newEnv(t)
	r := testRouter(e)

	w := doJSON(t, r, http.MethodPost, "/rides", "usr-a", "driver", rideInput("usr-a"))
	assert.Equal(t, http.StatusForbidden, w.Code, "drivers cannot create rides")

	w = doJSON(t, r, http.MethodGet, "/rides/available?lat=28.6&lng=77.2", "pax-1", "passenger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "passengers cannot poll available rides")
}

func TestHTTP_BinaryLocation(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	r := testRouter(e)

	body := codec.Encode(codec.LocationSample{
		Lat:       28.6180,
		Lng:       77.2150,
		Heading:   135,
		Speed:     22.5,
		Timestamp: time.Now().UTC(),
	})
	req := httptest.NewRequest(http.MethodPost, "/location/binary", bytes.NewReader(body))
	req.Header.Set("Content-Type", codec.ContentTypeBinary)
	req.Header.Set("X-User", "usr-a")
	req.Header.Set("X-Role", "driver")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, codec.ContentTypeBinary, w.Header().Get("Content-Type"))
	require.Len(t, w.Body.Bytes(), codec.SampleSize, "binary ack echoes the layout")

	ack, err := codec.Decode(w.Body.Bytes())
	require.NoError(t, err)
	assert.InDelta(t, 28.6180, ack.Lat, 1e-4)

	d, ok := e.drivers.GetDriver("drv-a")
	require.True(t, ok)
	assert.InDelta(t, 28.6180, *d.Lat, 1e-4)
}

func TestHTTP_BinaryLocation_BadFrame(t *testing.T) {
	e := newEnv(t)
	e.addDriver("drv-a", "usr-a", 28.6140, 77.2091)
	r := testRouter(e)

	req := httptest.NewRequest(http.MethodPost, "/location/binary", bytes.NewReader([]byte{1, 2, 3}))
	req.Header.Set("Content-Type", codec.ContentTypeBinary)
	req.Header.Set("X-User", "usr-a")
	req.Header.Set("X-Role", "driver")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTP_Stats(t *testing.T) {
	e := newEnv(t)
	r := testRouter(e)
	createRideHTTP(t, r)

	w := doJSON(t, r, http.MethodGet, "/realtime/stats", "ops", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeEnvelope(t, w)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, data["pending_rides"])
	assert.EqualValues(t, 1, data["active_rides"])
}
