package coordinator

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// Coordinator responses are small and textual. A response is only accepted
// once it passes the classification for the call site; anything else —
// transport failures included — is retried on a fixed additive-backoff
// schedule. When the retry budget runs out the worker terminates: the
// coordinator notices the dead batch and hands it to another worker, so
// crashing is the recovery path, not an error to surface.
type Retrier struct {
	Increment time.Duration // added to the sleep after each failed attempt
	Maximum   time.Duration // cap on a single sleep
	Budget    time.Duration // cumulative sleep before giving up

	sleep func(time.Duration)
	fatal func(name string)
}

// NewRetrier returns a Retrier with the standard coordinator schedule:
// 30s first sleep, +30s per retry up to 180s, abort after 18 hours asleep.
func NewRetrier() *Retrier {
	return &Retrier{
		Increment: 30 * time.Second,
		Maximum:   180 * time.Second,
		Budget:    18 * time.Hour,
		sleep:     time.Sleep,
		fatal: func(name string) {
			sentry.CaptureMessage("coordinator retry budget exhausted: " + name)
			sentry.Flush(2 * time.Second)
			log.Fatal().Str("request", name).Msg("Request retry reached budget, giving up")
		},
	}
}

// Do retries send until it yields a 200 response, then returns that response
// with the body unread. The caller owns the body.
func (r *Retrier) Do(name string, send func() (*http.Response, error)) *http.Response {
	var resp *http.Response
	r.run(name, func() bool {
		rsp, err := send()
		if err != nil {
			logAttempt(name, 0, err)
			return false
		}
		if rsp.StatusCode != http.StatusOK {
			rsp.Body.Close()
			logAttempt(name, rsp.StatusCode, nil)
			return false
		}
		resp = rsp
		return true
	})
	return resp
}

// DoText retries send until it yields a 200 response whose body is not the
// literal "Fail", and returns the body text. "Dupe" counts as success — it
// means the coordinator already has this submission.
func (r *Retrier) DoText(name string, send func() (*http.Response, error)) string {
	var text string
	r.run(name, func() bool {
		body, status, ok := readBody(name, send)
		if !ok {
			return false
		}
		if status != http.StatusOK || string(body) == "Fail" {
			logAttempt(name, status, nil)
			return false
		}
		text = string(body)
		return true
	})
	return text
}

// DoBatch retries send until it yields a 200 response whose body is a JSON
// object carrying a batchID field that is not "Fail", and returns the raw
// body for decoding.
func (r *Retrier) DoBatch(name string, send func() (*http.Response, error)) []byte {
	var raw []byte
	r.run(name, func() bool {
		body, status, ok := readBody(name, send)
		if !ok {
			return false
		}
		if status != http.StatusOK || string(body) == "Fail" {
			logAttempt(name, status, nil)
			return false
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			logAttempt(name, status, err)
			return false
		}
		id, present := obj["batchID"]
		if !present || string(id) == `"Fail"` {
			logAttempt(name, status, nil)
			return false
		}
		raw = body
		return true
	})
	return raw
}

func (r *Retrier) run(name string, attempt func() bool) {
	var slept time.Duration
	wait := r.Increment

	for slept < r.Budget {
		if attempt() {
			return
		}
		log.Warn().
			Str("request", name).
			Dur("sleep", wait).
			Dur("total_slept", slept).
			Msg("Retrying coordinator request")
		r.sleep(wait)
		slept += wait
		if wait < r.Maximum {
			wait += r.Increment
		}
	}

	r.fatal(name)
}

func readBody(name string, send func() (*http.Response, error)) (body []byte, status int, ok bool) {
	resp, err := send()
	if err != nil {
		logAttempt(name, 0, err)
		return nil, 0, false
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		logAttempt(name, resp.StatusCode, err)
		return nil, 0, false
	}
	return body, resp.StatusCode, true
}

func logAttempt(name string, status int, err error) {
	log.Warn().
		Str("request", name).
		Int("status", status).
		Err(err).
		Msg("Coordinator request unsuccessful")
}
