package autoloop

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
	"github.com/smilemakc/styleforge/internal/controller"
	"github.com/smilemakc/styleforge/internal/critic"
	"github.com/smilemakc/styleforge/internal/domain"
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

// scriptedChatServer returns each body in sequence to successive chat
// completion calls, holding on the last body once exhausted.
func scriptedChatServer(t *testing.T, bodies ...string) *httptest.Server {
	t.Helper()
	i := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if i >= len(bodies) {
			i = len(bodies) - 1
		}
		content := bodies[i]
		i++
		resp := map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "test-model",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func genServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	jobN := 0
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		jobN++
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-" + string(rune('0'+jobN))})
	})
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
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
	}
}

func newTestLoop(t *testing.T, sessionID string, critiqueBodies ...string) (*Loop, storage.Store) {
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

	vlmSrv := scriptedChatServer(t, critiqueBodies...)
	t.Cleanup(vlmSrv.Close)
	genSrv := genServer(t)
	t.Cleanup(genSrv.Close)

	vlmClient := vlm.NewClient("test-key", vlmSrv.URL, "test-model")
	critEngine := critic.New(vlmClient, colorpkg.NewCache())
	genClient := generator.NewClient(genSrv.URL, 5*time.Second)
	evalEngine := evaluator.NewEngine(config.DefaultDimensionWeights, config.DefaultCatastrophicThresholds)
	bus := progress.New()
	stop := make(chan struct{})
	go bus.Run(stop)
	t.Cleanup(func() { close(stop) })

	ctrl := controller.New(store, blobs, genClient, critEngine, evalEngine, bus)
	return New(store, ctrl), store
}

func scoresBody(overall int) string {
	return `{"scores":{"composition":` + itoa(overall) + `,"line_and_shape":` + itoa(overall) + `,"texture":` + itoa(overall) +
		`,"lighting":` + itoa(overall) + `,"palette":` + itoa(overall) + `,"motifs":` + itoa(overall) + `,"overall":` + itoa(overall) +
		`},"preserved_traits":[],"lost_traits":[],"interesting_mutations":[],"updated_style_profile":{}}`
}

func itoa(n int) string {
	return string([]byte{byte('0' + n/10), byte('0' + n%10)})
}

func TestLoopStopsWhenTargetReached(t *testing.T) {
	// Iteration 1 is always baseline-approved regardless of score; iteration
	// 2 clears the target, so the loop should stop after two iterations.
	loop, _ := newTestLoop(t, "sess-target", scoresBody(50), scoresBody(90))

	report := loop.Run(context.Background(), "sess-target", 5, 85, 50)
	require.NoError(t, report.Err)
	require.Equal(t, ReasonTargetReached, report.ConvergenceReason)
	require.True(t, report.TargetReached)
	require.Equal(t, 2, report.IterationsRun)
	require.Equal(t, 90, report.BestApprovedOverall)
}

func TestLoopStopsAtMaxIterations(t *testing.T) {
	// No iteration comes near the target score of 99, so the loop should run
	// out the full iteration budget.
	loop, _ := newTestLoop(t, "sess-maxed", scoresBody(50), scoresBody(51), scoresBody(51))

	report := loop.Run(context.Background(), "sess-maxed", 3, 99, 50)
	require.NoError(t, report.Err)
	require.Equal(t, ReasonMaxIterations, report.ConvergenceReason)
	require.False(t, report.TargetReached)
	require.Equal(t, 3, report.IterationsRun)
}

func TestLoopStopsOnCancellationBetweenIterations(t *testing.T) {
	loop, store := newTestLoop(t, "sess-cancel", scoresBody(50), scoresBody(51), scoresBody(51), scoresBody(51), scoresBody(51))

	// Cancel after the first iteration completes by wrapping Run with a
	// manual two-step drive: run iteration 1, flip the flag, then resume.
	ctx := context.Background()
	it1, err := loop.controller.RunOnce(ctx, "sess-cancel", 50)
	require.NoError(t, err)
	require.NotNil(t, it1)

	sess, err := store.GetSession(ctx, "sess-cancel")
	require.NoError(t, err)
	sess.CancelRequested = true
	require.NoError(t, store.UpdateSession(ctx, sess))

	report := loop.Run(ctx, "sess-cancel", 5, 99, 50)
	require.Equal(t, ReasonCancelled, report.ConvergenceReason)
	require.Equal(t, 0, report.IterationsRun)

	iterations, err := store.ListIterations(ctx, "sess-cancel")
	require.NoError(t, err)
	require.Len(t, iterations, 1)
}
