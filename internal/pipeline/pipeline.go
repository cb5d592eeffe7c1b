// Package pipeline is the generation engine: a supervisor runs one
// controller per active playlist, controllers keep each playlist's
// forward buffer filled, and per-song workers walk songs through
// metadata, cover and audio generation until they are archived and
// ready. All state lives in the store; workers coordinate through
// atomic claims, so any number of engine instances could in principle
// share one database.
package pipeline

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/infinitune/infinitune/internal/archive"
	"github.com/infinitune/infinitune/internal/bus"
	"github.com/infinitune/infinitune/internal/covercache"
	"github.com/infinitune/infinitune/internal/generate"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/queue"
	"github.com/infinitune/infinitune/internal/store"
)

// DefaultTick paces controller and supervisor reconciliation.
const DefaultTick = 2 * time.Second

// DefaultTextProvider is used when neither settings nor the playlist
// name one.
const DefaultTextProvider = "ollama"

// eventBuffer sizes the per-subscriber event channel. Controllers fall
// back to the periodic tick when the bus drops events, so a modest
// buffer is enough.
const eventBuffer = 64

// Deps bundles the collaborators shared by the supervisor, controllers
// and workers. All fields except Tick and Roll are required.
type Deps struct {
	Store      *store.Store
	Bus        bus.Bus
	TextQueue  *queue.EndpointQueue[*model.SongMetadata]
	ImageQueue *queue.EndpointQueue[*generate.CoverImage]
	AudioQueue *queue.AudioQueue
	Generators Generators
	Covers     covercache.Cache
	Archiver   *archive.Archiver

	// Tick overrides DefaultTick; zero keeps the default.
	Tick time.Duration

	// Roll supplies the random draw for the prompt-distance split.
	// Zero value uses math/rand.
	Roll func() float64
}

func (d *Deps) tickInterval() time.Duration {
	if d.Tick > 0 {
		return d.Tick
	}
	return DefaultTick
}

func (d *Deps) roll() float64 {
	if d.Roll != nil {
		return d.Roll()
	}
	return rand.Float64() // #nosec G404 -- prompt variety, not security
}

// cancelEverywhere purges a song's queue entries and aborts its running
// executes. External audio tasks are left to finish on the service.
func (d *Deps) cancelEverywhere(songID string) {
	d.TextQueue.CancelSong(songID)
	d.ImageQueue.CancelSong(songID)
	d.AudioQueue.CancelSong(songID)
}

// Generators is the per-provider backend registry. Workers resolve the
// effective provider from the settings map at each job start, so
// operators can repoint generation without a restart.
type Generators struct {
	Text  map[string]generate.TextGenerator
	Image map[string]generate.ImageGenerator
	Audio generate.AudioService
}

// text resolves the effective text backend and model. Settings win over
// the playlist's stored provider and model.
func (g Generators) text(settings map[string]string, p *model.Playlist) (generate.TextGenerator, string, string, error) {
	provider := firstNonEmpty(settings[model.SettingTextProvider], p.LLMProvider, DefaultTextProvider)
	modelName := firstNonEmpty(settings[model.SettingTextModel], p.LLMModel)
	gen, ok := g.Text[provider]
	if !ok {
		return nil, "", "", fmt.Errorf("pipeline: text provider %q not configured", provider)
	}
	if modelName == "" {
		return nil, "", "", fmt.Errorf("pipeline: no text model set for provider %q", provider)
	}
	return gen, provider, modelName, nil
}

// image resolves the cover backend. An empty imageProvider setting means
// covers are off; that is not an error.
func (g Generators) image(settings map[string]string) (generate.ImageGenerator, string, bool) {
	provider := settings[model.SettingImageProvider]
	if provider == "" {
		return nil, "", false
	}
	gen, ok := g.Image[provider]
	if !ok {
		return nil, "", false
	}
	return gen, settings[model.SettingImageModel], true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
