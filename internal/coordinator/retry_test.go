package coordinator

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRetrier() (*Retrier, *[]time.Duration, *[]string) {
	sleeps := &[]time.Duration{}
	fatals := &[]string{}
	r := &Retrier{
		Increment: 10 * time.Millisecond,
		Maximum:   30 * time.Millisecond,
		Budget:    100 * time.Millisecond,
		sleep:     func(d time.Duration) { *sleeps = append(*sleeps, d) },
		fatal:     func(name string) { *fatals = append(*fatals, name) },
	}
	return r, sleeps, fatals
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestDoReturnsFirstSuccess(t *testing.T) {
	r, sleeps, fatals := testRetrier()

	calls := 0
	resp := r.Do("test", func() (*http.Response, error) {
		calls++
		return textResponse(http.StatusOK, "hello"), nil
	})

	require.NotNil(t, resp)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, 1, calls)
	assert.Empty(t, *sleeps)
	assert.Empty(t, *fatals)
}

func TestDoRetriesErrorsAndBadStatuses(t *testing.T) {
	r, sleeps, fatals := testRetrier()

	calls := 0
	resp := r.Do("test", func() (*http.Response, error) {
		calls++
		switch calls {
		case 1:
			return nil, fmt.Errorf("connection refused")
		case 2:
			return textResponse(http.StatusBadGateway, "bad"), nil
		default:
			return textResponse(http.StatusOK, "ok"), nil
		}
	})

	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, 3, calls)
	assert.Empty(t, *fatals)
	// Additive backoff: first sleep is the increment, second adds another.
	require.Len(t, *sleeps, 2)
	assert.Equal(t, 10*time.Millisecond, (*sleeps)[0])
	assert.Equal(t, 20*time.Millisecond, (*sleeps)[1])
}

func TestDoSleepIsCappedAtMaximum(t *testing.T) {
	r, sleeps, _ := testRetrier()
	r.Budget = time.Second

	calls := 0
	r.Do("test", func() (*http.Response, error) {
		calls++
		if calls < 6 {
			return nil, fmt.Errorf("down")
		}
		return textResponse(http.StatusOK, "ok"), nil
	})

	require.Len(t, *sleeps, 5)
	for _, d := range (*sleeps)[2:] {
		assert.LessOrEqual(t, d, 30*time.Millisecond)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	r, _, fatals := testRetrier()

	resp := r.Do("get_batch", func() (*http.Response, error) {
		return nil, fmt.Errorf("down")
	})

	assert.Nil(t, resp)
	require.Len(t, *fatals, 1)
	assert.Equal(t, "get_batch", (*fatals)[0])
}

func TestDoTextRejectsFailBody(t *testing.T) {
	r, _, fatals := testRetrier()

	calls := 0
	text := r.DoText("submit", func() (*http.Response, error) {
		calls++
		if calls == 1 {
			return textResponse(http.StatusOK, "Fail"), nil
		}
		return textResponse(http.StatusOK, "Success"), nil
	})

	assert.Equal(t, "Success", text)
	assert.Equal(t, 2, calls)
	assert.Empty(t, *fatals)
}

func TestDoTextAcceptsDupe(t *testing.T) {
	r, sleeps, _ := testRetrier()

	text := r.DoText("submit", func() (*http.Response, error) {
		return textResponse(http.StatusOK, "Dupe"), nil
	})

	assert.Equal(t, "Dupe", text)
	assert.Empty(t, *sleeps)
}

func TestDoBatchRequiresBatchID(t *testing.T) {
	r, _, fatals := testRetrier()

	calls := 0
	raw := r.DoBatch("get_batch", func() (*http.Response, error) {
		calls++
		switch calls {
		case 1:
			return textResponse(http.StatusOK, "Fail"), nil
		case 2:
			return textResponse(http.StatusOK, `{"batchID":"Fail"}`), nil
		case 3:
			return textResponse(http.StatusOK, `{"other":1}`), nil
		case 4:
			return textResponse(http.StatusOK, "<html>throttled</html>"), nil
		default:
			return textResponse(http.StatusOK, `{"batchID":42}`), nil
		}
	})

	assert.Equal(t, 5, calls)
	assert.JSONEq(t, `{"batchID":42}`, string(raw))
	assert.Empty(t, *fatals)
}
