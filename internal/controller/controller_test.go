package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smilemakc/styleforge/internal/blobstore"
	colorpkg "github.com/smilemakc/styleforge/internal/color"
	"github.com/smilemakc/styleforge/internal/config"
	"github.com/smilemakc/styleforge/internal/critic"
	"github.com/smilemakc/styleforge/internal/domain"
	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
	"github.com/smilemakc/styleforge/internal/evaluator"
	"github.com/smilemakc/styleforge/internal/generator"
	"github.com/smilemakc/styleforge/internal/progress"
	"github.com/smilemakc/styleforge/internal/storage"
	"github.com/smilemakc/styleforge/internal/vlm"
)

func solidPNG(r, g, b uint8) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{r, g, b, 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func chatServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "test-model",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": body}, "finish_reason": "stop"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

// genServer stands in for the Generator Gateway: submit always succeeds
// immediately, the job completes on the first poll, and beforeComplete (if
// set) runs before the status handler answers, letting tests hold a
// generation in flight.
func genServer(t *testing.T, beforeComplete func()) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-1"})
	})
	mux.HandleFunc("/jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		if beforeComplete != nil {
			beforeComplete()
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "completed", "image_url": "http://" + r.Host + "/image"})
	})
	mux.HandleFunc("/image", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(solidPNG(210, 30, 30))
	})
	return httptest.NewServer(mux)
}

func sampleProfile(sessionID string) *domain.StyleProfile {
	return &domain.StyleProfile{
		SessionID: sessionID,
		Version:   1,
		Frozen: domain.FrozenIdentity{
			CoreInvariants:      []string{"subject faces left"},
			OriginalSubject:     "a red fox",
			StructuralNotes:     "three-quarter view",
			SuggestedTestPrompt: "a red fox sitting in snow",
		},
		Style: domain.RefinableStyle{
			LineAndShape: domain.LineAndShape{StrokeWeight: "bold outlines"},
		},
	}
}

type harness struct {
	store      storage.Store
	blobs      *blobstore.Store
	controller *Controller
	genSrv     *httptest.Server
	vlmSrv     *httptest.Server
}

func newHarness(t *testing.T, sessionID, critiqueBody string, beforeComplete func()) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	blobs, err := blobstore.New(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	refHandle, err := blobs.Put(sessionID, blobstore.ReferenceKey, solidPNG(200, 20, 20))
	require.NoError(t, err)

	require.NoError(t, store.CreateSession(context.Background(), &domain.Session{
		ID: sessionID, Status: domain.SessionStatusReady, ReferenceImageHandle: refHandle,
	}))
	require.NoError(t, store.AppendProfile(context.Background(), sampleProfile(sessionID)))

	vlmSrv := chatServer(t, critiqueBody)
	genSrv := genServer(t, beforeComplete)

	vlmClient := vlm.NewClient("test-key", vlmSrv.URL, "test-model")
	critEngine := critic.New(vlmClient, colorpkg.NewCache())
	genClient := generator.NewClient(genSrv.URL, 5*time.Second)
	evalEngine := evaluator.NewEngine(config.DefaultDimensionWeights, config.DefaultCatastrophicThresholds)
	bus := progress.New()
	stop := make(chan struct{})
	go bus.Run(stop)
	t.Cleanup(func() { close(stop) })

	return &harness{
		store:      store,
		blobs:      blobs,
		controller: New(store, blobs, genClient, critEngine, evalEngine, bus),
		genSrv:     genSrv,
		vlmSrv:     vlmSrv,
	}
}

func (h *harness) Close() {
	h.genSrv.Close()
	h.vlmSrv.Close()
}

const happyCritiqueBody = `{"scores":{"composition":60,"line_and_shape":60,"texture":60,"lighting":60,"palette":60,"motifs":60,"overall":60},"preserved_traits":["bold outlines"],"lost_traits":[],"interesting_mutations":[],"updated_style_profile":{}}`

func TestRunOnceFirstIterationIsBaseline(t *testing.T) {
	h := newHarness(t, "sess-1", happyCritiqueBody, nil)
	defer h.Close()

	it, err := h.controller.RunOnce(context.Background(), "sess-1", 50)
	require.NoError(t, err)
	require.True(t, *it.Approved)
	require.Contains(t, it.DecisionReason, "Baseline")
	require.Equal(t, 1, it.IterationNum)

	profile, err := h.store.GetLatestProfile(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, 2, profile.Version)
}

func TestRunOnceRejectedIterationLeavesProfileUnchanged(t *testing.T) {
	// A second iteration with catastrophic lighting must be rejected and
	// must not bump the profile version.
	h := newHarness(t, "sess-1", happyCritiqueBody, nil)
	defer h.Close()
	_, err := h.controller.RunOnce(context.Background(), "sess-1", 50)
	require.NoError(t, err)

	catastrophicBody := `{"scores":{"composition":80,"line_and_shape":80,"texture":80,"lighting":10,"palette":80,"motifs":80,"overall":75},"preserved_traits":[],"lost_traits":["soft lighting"],"interesting_mutations":[],"updated_style_profile":{}}`
	h2 := newHarness(t, "sess-2", catastrophicBody, nil)
	defer h2.Close()
	_, err = h2.controller.RunOnce(context.Background(), "sess-2", 50)
	require.NoError(t, err)

	it2, err := h2.controller.RunOnce(context.Background(), "sess-2", 50)
	require.NoError(t, err)
	require.False(t, *it2.Approved)
	require.Contains(t, it2.DecisionReason, "CATASTROPHIC")

	profile, err := h2.store.GetLatestProfile(context.Background(), "sess-2")
	require.NoError(t, err)
	require.Equal(t, 2, profile.Version)
}

func TestRunOnceRejectsConcurrentCallsForSameSession(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := newHarness(t, "sess-busy", happyCritiqueBody, func() {
		close(started)
		<-release
	})
	defer h.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.controller.RunOnce(context.Background(), "sess-busy", 50)
		errCh <- err
	}()

	<-started
	_, err := h.controller.RunOnce(context.Background(), "sess-busy", 50)
	require.Error(t, err)
	var busy *domainerrors.SessionBusyError
	require.ErrorAs(t, err, &busy)

	close(release)
	require.NoError(t, <-errCh)
}

func TestRunOnceDiscardsAttemptWhenCancelledMidIteration(t *testing.T) {
	// The cancellation flag flips while the generator is still polling; the
	// controller must observe it at the next phase boundary and bail without
	// committing an iteration row.
	var h *harness
	h = newHarness(t, "sess-cancel", happyCritiqueBody, func() {
		sess, err := h.store.GetSession(context.Background(), "sess-cancel")
		require.NoError(t, err)
		sess.CancelRequested = true
		require.NoError(t, h.store.UpdateSession(context.Background(), sess))
	})
	defer h.Close()

	_, err := h.controller.RunOnce(context.Background(), "sess-cancel", 50)
	var cancelled *domainerrors.CancellationRequestedError
	require.ErrorAs(t, err, &cancelled)

	iterations, err := h.store.ListIterations(context.Background(), "sess-cancel")
	require.NoError(t, err)
	require.Empty(t, iterations)

	profile, err := h.store.GetLatestProfile(context.Background(), "sess-cancel")
	require.NoError(t, err)
	require.Equal(t, 1, profile.Version)
}

func TestRunOnceRefusesSessionInErrorStatus(t *testing.T) {
	h := newHarness(t, "sess-errored", happyCritiqueBody, nil)
	defer h.Close()

	sess, err := h.store.GetSession(context.Background(), "sess-errored")
	require.NoError(t, err)
	sess.Status = domain.SessionStatusError
	require.NoError(t, h.store.UpdateSession(context.Background(), sess))

	_, err = h.controller.RunOnce(context.Background(), "sess-errored", 50)
	var validation *domainerrors.ValidationError
	require.ErrorAs(t, err, &validation)

	iterations, err := h.store.ListIterations(context.Background(), "sess-errored")
	require.NoError(t, err)
	require.Empty(t, iterations)
}

func TestRunOnceAcceptsCompletedSession(t *testing.T) {
	// A completed session re-enters iteration when the user asks for more.
	h := newHarness(t, "sess-done", happyCritiqueBody, nil)
	defer h.Close()

	sess, err := h.store.GetSession(context.Background(), "sess-done")
	require.NoError(t, err)
	sess.Status = domain.SessionStatusCompleted
	require.NoError(t, h.store.UpdateSession(context.Background(), sess))

	it, err := h.controller.RunOnce(context.Background(), "sess-done", 50)
	require.NoError(t, err)
	require.True(t, *it.Approved)
}
