package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want Observation
		ok   bool
	}{
		{
			name: "string coordinates",
			body: `{"message":"success","timestamp":1700000000,"iss_position":{"latitude":"-51.2345","longitude":"179.9999"}}`,
			want: Observation{Timestamp: 1700000000, Latitude: -51.2345, Longitude: 179.9999},
			ok:   true,
		},
		{
			name: "numeric coordinates",
			body: `{"message":"success","timestamp":1700000005,"iss_position":{"latitude":12.5,"longitude":-3}}`,
			want: Observation{Timestamp: 1700000005, Latitude: 12.5, Longitude: -3},
			ok:   true,
		},
		{name: "failure sentinel", body: `{"message":"failure","timestamp":1700000000,"iss_position":{"latitude":"1","longitude":"2"}}`},
		{name: "missing position", body: `{"message":"success","timestamp":1700000000}`},
		{name: "missing timestamp", body: `{"message":"success","iss_position":{"latitude":"1","longitude":"2"}}`},
		{name: "garbage coordinate", body: `{"message":"success","timestamp":1,"iss_position":{"latitude":"north","longitude":"2"}}`},
		{name: "not json", body: `<html>`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse([]byte(tc.body), "test")
			if tc.ok {
				if err != nil {
					t.Fatalf("Parse: %v", err)
				}
				if got != tc.want {
					t.Fatalf("Parse=%+v want %+v", got, tc.want)
				}
				return
			}
			var ferr *Error
			if !errors.As(err, &ferr) {
				t.Fatalf("err=%v want *Error", err)
			}
		})
	}
}

func TestFetchStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"success","timestamp":1700000000,"iss_position":{"latitude":"10.5","longitude":"20.25"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/iss-now.json", 100, time.Second)
	obs, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if obs.Latitude != 10.5 || obs.Longitude != 20.25 || obs.Timestamp != 1700000000 {
		t.Fatalf("Fetch=%+v", obs)
	}

	down := NewClient(srv.URL+"/down", 100, time.Second)
	_, err = down.Fetch(context.Background())
	var ferr *Error
	if !errors.As(err, &ferr) || ferr.Status != http.StatusServiceUnavailable {
		t.Fatalf("err=%v want status 503 feed error", err)
	}
}
