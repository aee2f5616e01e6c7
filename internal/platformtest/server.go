// Package platformtest runs an in-process fake of the platform's delivery
// endpoints: DMC session negotiation and heartbeats, and ranged media for
// both DMC and Smile videos.
package platformtest

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/iconidentify/nicograb/internal/domain"
)

const recipePrefix = "nicovideo-"

// Server is a fake platform. All failure switches are safe to flip while
// requests are in flight.
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	media          map[string][]byte
	omitContentURI map[string]bool
	noHead         map[string]bool
	drops          map[string]int
	forbidden      map[string]bool
	rejectBeats    map[string]bool
	negotiations   map[string]int
	heartbeats     map[string]int
	rangeRequests  map[string]int
	probeDelay     time.Duration
	probesInFlight int
	maxProbes      int
}

// New starts a server that is closed when t finishes.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		media:          make(map[string][]byte),
		omitContentURI: make(map[string]bool),
		noHead:         make(map[string]bool),
		drops:          make(map[string]int),
		forbidden:      make(map[string]bool),
		rejectBeats:    make(map[string]bool),
		negotiations:   make(map[string]int),
		heartbeats:     make(map[string]int),
		rangeRequests:  make(map[string]int),
	}

	r := chi.NewRouter()
	r.Post("/api/sessions", s.handleCreateSession)
	r.Post("/api/sessions/{sessionID}", s.handleHeartbeat)
	r.Head("/smile/{videoID}", s.handleMedia)
	r.Get("/smile/{videoID}", s.handleMedia)
	r.Head("/media/{videoID}", s.handleMedia)
	r.Get("/media/{videoID}", s.handleMedia)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// AddSmile registers content for a Smile video and returns its record.
func (s *Server) AddSmile(id string, content []byte) *domain.Video {
	s.mu.Lock()
	s.media[id] = content
	s.mu.Unlock()

	return &domain.Video{
		ID:        domain.VideoID(id),
		Title:     "Smile " + id,
		FileName:  "smile",
		MovieType: "mp4",
		SmileURL:  s.URL + "/smile/" + id,
	}
}

// AddDMC registers content for a DMC video and returns its record.
func (s *Server) AddDMC(id string, content []byte) *domain.Video {
	s.mu.Lock()
	s.media[id] = content
	s.mu.Unlock()

	return &domain.Video{
		ID:        domain.VideoID(id),
		Title:     "DMC " + id,
		FileName:  "dmc",
		MovieType: "mp4",
		DMC: &domain.DMCParams{
			APIURL:            s.URL + "/api/sessions",
			RecipeID:          recipePrefix + id,
			ContentID:         "out1",
			VideoSrcIDs:       []string{"archive_h264_600kbps_360p"},
			AudioSrcIDs:       []string{"archive_aac_64kbps"},
			HeartbeatLifetime: 120000,
			Token:             `{"service_id":"nicovideo"}`,
			Signature:         "sig-" + id,
			AuthType:          "ht2",
			ContentKeyTimeout: 600000,
			ServiceUserID:     "42",
			PlayerID:          "nicovideo-6-test",
			Priority:          0.8,
			ReportedSize:      int64(len(content)),
		},
	}
}

// OmitContentURI makes session creation for id answer without a content_uri.
func (s *Server) OmitContentURI(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitContentURI[id] = true
}

// DisableHead makes size probes for id fail.
func (s *Server) DisableHead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noHead[id] = true
}

// DropConnections aborts the next n ranged requests for id halfway through
// the body.
func (s *Server) DropConnections(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops[id] = n
}

// Forbid answers every ranged request for id with 403.
func (s *Server) Forbid(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forbidden[id] = true
}

// RejectHeartbeats answers every heartbeat for id with 410. Rejected beats
// are still counted.
func (s *Server) RejectHeartbeats(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectBeats[id] = true
}

// SetProbeDelay holds every HEAD request for d before answering.
func (s *Server) SetProbeDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeDelay = d
}

// MaxConcurrentProbes returns the highest number of HEAD requests that were
// in flight at once.
func (s *Server) MaxConcurrentProbes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxProbes
}

// Negotiations returns the number of session creations for id.
func (s *Server) Negotiations(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiations[id]
}

// Heartbeats returns the number of heartbeats received for id.
func (s *Server) Heartbeats(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats[id]
}

// RangeRequests returns the number of ranged GETs received for id.
func (s *Server) RangeRequests(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeRequests[id]
}

func sessionID(videoID string) string {
	return "sess-" + videoID
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	format := r.URL.Query().Get("_format")
	recipe, err := recipeID(body, format)
	if err != nil || !strings.HasPrefix(recipe, recipePrefix) {
		http.Error(w, "bad session request", http.StatusBadRequest)
		return
	}
	id := strings.TrimPrefix(recipe, recipePrefix)

	s.mu.Lock()
	_, known := s.media[id]
	omit := s.omitContentURI[id]
	s.negotiations[id]++
	s.mu.Unlock()

	if !known {
		http.Error(w, "unknown recipe", http.StatusNotFound)
		return
	}

	contentURI := s.URL + "/media/" + id + "?ht2_nicovideo=" + sessionID(id)
	if omit {
		contentURI = ""
	}
	w.WriteHeader(http.StatusCreated)
	writeSession(w, format, sessionID(id), contentURI, 0)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("_method") != http.MethodPut {
		http.Error(w, "method override required", http.StatusMethodNotAllowed)
		return
	}
	sid := chi.URLParam(r, "sessionID")
	id := strings.TrimPrefix(sid, "sess-")

	s.mu.Lock()
	s.heartbeats[id]++
	beats := s.heartbeats[id]
	reject := s.rejectBeats[id]
	s.mu.Unlock()

	if reject {
		http.Error(w, "session gone", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusOK)
	writeSession(w, r.URL.Query().Get("_format"), sid, s.URL+"/media/"+id, beats)
}

func writeSession(w io.Writer, format, id, contentURI string, modified int) {
	if format == "json" {
		uri := ""
		if contentURI != "" {
			uri = fmt.Sprintf(`,"content_uri":%q`, contentURI)
		}
		fmt.Fprintf(w, `{"meta":{"status":201},"data":{"session":{"id":%q%s,"modified_time":%d}}}`, id, uri, modified)
		return
	}

	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><object><meta status="201" message="created"/><data><session>`)
	fmt.Fprintf(&b, "<id>%s</id>", id)
	if contentURI != "" {
		b.WriteString("<content_uri>")
		xml.EscapeText(&b, []byte(contentURI))
		b.WriteString("</content_uri>")
	}
	fmt.Fprintf(&b, "<modified_time>%d</modified_time></session></data></object>", modified)
	w.Write(b.Bytes())
}

func recipeID(body []byte, format string) (string, error) {
	if format == "json" {
		return gjson.GetBytes(body, "session.recipe_id").String(), nil
	}
	var req struct {
		RecipeID string `xml:"recipe_id"`
	}
	if err := xml.Unmarshal(body, &req); err != nil {
		return "", err
	}
	return req.RecipeID, nil
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "videoID")

	s.mu.Lock()
	content, ok := s.media[id]
	noHead := s.noHead[id]
	forbidden := s.forbidden[id]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	if r.Method == http.MethodHead {
		s.probe(w, r, id, content, noHead)
		return
	}

	if r.Header.Get("Range") != "" {
		s.mu.Lock()
		s.rangeRequests[id]++
		drop := s.drops[id] > 0
		if drop {
			s.drops[id]--
		}
		s.mu.Unlock()

		if forbidden {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if drop {
			dropConnection(w, r, content)
			return
		}
	}

	http.ServeContent(w, r, id+".mp4", time.Time{}, bytes.NewReader(content))
}

func (s *Server) probe(w http.ResponseWriter, r *http.Request, id string, content []byte, disabled bool) {
	s.mu.Lock()
	s.probesInFlight++
	if s.probesInFlight > s.maxProbes {
		s.maxProbes = s.probesInFlight
	}
	delay := s.probeDelay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.probesInFlight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if disabled {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, id+".mp4", time.Time{}, bytes.NewReader(content))
}

// dropConnection announces the requested range, sends half of it and
// aborts the connection.
func dropConnection(w http.ResponseWriter, r *http.Request, content []byte) {
	start, end, ok := parseRange(r.Header.Get("Range"), int64(len(content)))
	if !ok {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(content[start : start+length/2])
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	panic(http.ErrAbortHandler)
}

func parseRange(header string, size int64) (int64, int64, bool) {
	value, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, false
	}
	from, to, ok := strings.Cut(value, "-")
	if !ok {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end, err := strconv.ParseInt(to, 10, 64)
	if err != nil || end < start || end >= size {
		return 0, 0, false
	}
	return start, end, true
}
