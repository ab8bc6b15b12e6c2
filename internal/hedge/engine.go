// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_hedge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	internal_audio "github.com/rapidaai/voice-core/internal/audio"
	internal_intelligence "github.com/rapidaai/voice-core/internal/intelligence"
	"github.com/rapidaai/voice-core/pkg/commons"
)

// SyntheticSilenceID identifies the fallback clip returned when the catalog
// has nothing to offer. Two seconds of 24 kHz silence.
const SyntheticSilenceID = "synthetic-silence"

const syntheticSilenceSec = 2.0

// Effectiveness captures how well a filler clip has historically performed.
type Effectiveness struct {
	CompletionRate         float64 `json:"completionRate"`
	SentimentLift          float64 `json:"sentimentLift"`
	PrincipleReinforcement float64 `json:"principleReinforcement"`
}

// ClipMetadata is the selection-relevant metadata of a filler clip.
type ClipMetadata struct {
	Languages     []internal_intelligence.Language  `json:"languages"`
	Principles    []internal_intelligence.Principle `json:"principles"`
	Profiles      []internal_intelligence.Profile   `json:"profiles"`
	Tone          string                            `json:"tone"`
	Effectiveness Effectiveness                     `json:"effectiveness"`
}

// FillerClip is one pre-recorded filler asset. Audio is stored on disk as
// raw s16le 24 kHz mono; resampling to the carrier rate happens at play
// time, never cached per rate.
type FillerClip struct {
	ID          string       `json:"id"`
	File        string       `json:"file"`
	DurationSec float64      `json:"durationSec"`
	Metadata    ClipMetadata `json:"metadata"`

	// pcm is populated for pre-warmed clips only.
	pcm []int16
}

// catalogIndex is the on-disk metadata index layout (index.json).
type catalogIndex struct {
	Clips []*FillerClip `json:"clips"`
}

// Engine selects context-matched filler clips. All indexes are built at
// startup and read-only afterwards, so the engine is safe to share across
// concurrent calls.
type Engine struct {
	logger commons.Logger
	dir    string

	clips       []*FillerClip
	byLanguage  map[internal_intelligence.Language][]*FillerClip
	byPrinciple map[internal_intelligence.Principle][]*FillerClip
	byProfile   map[internal_intelligence.Profile][]*FillerClip
}

// NewEngine loads the clip metadata index from dir/index.json, builds the
// inverted indexes, and pre-warms the prewarm highest-effectiveness clips
// into memory. A missing index yields an empty (silent-fallback) engine.
func NewEngine(logger commons.Logger, dir string, prewarm int) (*Engine, error) {
	e := newEngineWithCatalog(logger, nil)
	e.dir = dir

	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if os.IsNotExist(err) {
		logger.Warnw("filler catalog index not found, running with synthetic silence only", "dir", dir)
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read filler catalog index: %w", err)
	}

	var index catalogIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse filler catalog index: %w", err)
	}

	e.ingest(index.Clips)
	e.prewarm(prewarm)
	logger.Infof("filler catalog loaded: %d clips from %s", len(e.clips), dir)
	return e, nil
}

// newEngineWithCatalog builds an engine over an in-memory catalog.
func newEngineWithCatalog(logger commons.Logger, clips []*FillerClip) *Engine {
	e := &Engine{
		logger:      logger,
		byLanguage:  map[internal_intelligence.Language][]*FillerClip{},
		byPrinciple: map[internal_intelligence.Principle][]*FillerClip{},
		byProfile:   map[internal_intelligence.Profile][]*FillerClip{},
	}
	e.ingest(clips)
	return e
}

func (e *Engine) ingest(clips []*FillerClip) {
	for _, c := range clips {
		e.clips = append(e.clips, c)
		for _, l := range c.Metadata.Languages {
			e.byLanguage[l] = append(e.byLanguage[l], c)
		}
		for _, p := range c.Metadata.Principles {
			e.byPrinciple[p] = append(e.byPrinciple[p], c)
		}
		for _, p := range c.Metadata.Profiles {
			e.byProfile[p] = append(e.byProfile[p], c)
		}
	}
}

// prewarm loads the top n clips by effectiveness into memory. Runs once,
// single threaded, before the engine is shared.
func (e *Engine) prewarm(n int) {
	ranked := make([]*FillerClip, len(e.clips))
	copy(ranked, e.clips)
	sortByEffectiveness(ranked)

	if n > len(ranked) {
		n = len(ranked)
	}
	for _, c := range ranked[:n] {
		pcm, err := e.loadAudio(c)
		if err != nil {
			e.logger.Warnw("failed to pre-warm filler clip", "clip", c.ID, "error", err.Error())
			continue
		}
		c.pcm = pcm
	}
}

// indicLanguages take the hinglish fallback when neither their own language
// nor english has clips.
var indicLanguages = map[internal_intelligence.Language]bool{
	internal_intelligence.LangHindi:   true,
	internal_intelligence.LangMarathi: true,
	internal_intelligence.LangTamil:   true,
	internal_intelligence.LangTelugu:  true,
	internal_intelligence.LangKannada: true,
}

// SelectFiller picks the best clip for the context:
//  1. filter by language (fallback en, then hinglish for Indic languages),
//  2. intersect with principle (mandatory; revert on empty cut),
//  3. intersect with profile (soft; keep previous on empty cut),
//  4. drop clips in usedSet (allow repetition when that empties the set),
//  5. highest completionRate × principleReinforcement wins, id as tiebreak.
//
// An empty catalog returns the synthetic silent clip.
func (e *Engine) SelectFiller(
	language internal_intelligence.Language,
	principle internal_intelligence.Principle,
	profile internal_intelligence.Profile,
	usedSet map[string]bool,
) *FillerClip {
	candidates := e.byLanguage[language]
	if len(candidates) == 0 {
		candidates = e.byLanguage[internal_intelligence.LangEnglish]
	}
	if len(candidates) == 0 && indicLanguages[language] {
		candidates = e.byLanguage[internal_intelligence.LangHinglish]
	}
	if len(candidates) == 0 {
		// Nothing in the caller's language chain: play silence rather
		// than a clip in the wrong language.
		return syntheticSilence()
	}

	if narrowed := intersectClips(candidates, e.byPrinciple[principle]); len(narrowed) > 0 {
		candidates = narrowed
	}
	if narrowed := intersectClips(candidates, e.byProfile[profile]); len(narrowed) > 0 {
		candidates = narrowed
	}

	fresh := make([]*FillerClip, 0, len(candidates))
	for _, c := range candidates {
		if !usedSet[c.ID] {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		fresh = candidates
	}

	sortByEffectiveness(fresh)
	return fresh[0]
}

// ClipAudio returns the clip's 24 kHz PCM, reading from disk unless the
// clip was pre-warmed. The synthetic silence clip is generated in place.
func (e *Engine) ClipAudio(clip *FillerClip) ([]int16, error) {
	if clip.ID == SyntheticSilenceID {
		return make([]int16, int(syntheticSilenceSec*float64(internal_audio.ModelOutRate))), nil
	}
	if clip.pcm != nil {
		return clip.pcm, nil
	}
	return e.loadAudio(clip)
}

func (e *Engine) loadAudio(clip *FillerClip) ([]int16, error) {
	data, err := os.ReadFile(filepath.Join(e.dir, clip.File))
	if err != nil {
		return nil, fmt.Errorf("failed to read filler clip %s: %w", clip.ID, err)
	}
	return internal_audio.BytesToInt16(data), nil
}

func syntheticSilence() *FillerClip {
	return &FillerClip{
		ID:          SyntheticSilenceID,
		DurationSec: syntheticSilenceSec,
	}
}

func sortByEffectiveness(clips []*FillerClip) {
	sort.SliceStable(clips, func(i, j int) bool {
		si := clips[i].Metadata.Effectiveness.CompletionRate * clips[i].Metadata.Effectiveness.PrincipleReinforcement
		sj := clips[j].Metadata.Effectiveness.CompletionRate * clips[j].Metadata.Effectiveness.PrincipleReinforcement
		if si != sj {
			return si > sj
		}
		return clips[i].ID < clips[j].ID
	})
}

func intersectClips(a, b []*FillerClip) []*FillerClip {
	inB := map[string]bool{}
	for _, c := range b {
		inB[c.ID] = true
	}
	var out []*FillerClip
	for _, c := range a {
		if inB[c.ID] {
			out = append(out, c)
		}
	}
	return out
}
