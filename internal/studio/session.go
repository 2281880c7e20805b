package studio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// PageDriver is the thin seam between this package and the actual headless
// browser automation. Spec.md §1 puts "the headless browser itself and its
// DOM selectors" deliberately out of scope, so Session depends only on this
// narrow interface; a real driver (chromedp, playwright-go, or the vendor's
// own remote-debugging protocol) plugs in here without Session or the
// pipeline knowing the difference.
type PageDriver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	UploadFiles(ctx context.Context, selector string, images []ImageRef) error
	ReadText(ctx context.Context, selector string) (string, error)
	IsVisible(ctx context.Context, selector string) (bool, error)
	IsEnabled(ctx context.Context, selector string) (bool, error)
	Screenshot(ctx context.Context) ([]byte, error)
	HTML(ctx context.Context) (string, error)
	Alive() bool
}

// Session is the concrete Controller implementation: a stateful wrapper
// around a PageDriver with cookie-jar-backed auth (handled by the driver),
// a retry-on-failure wrapper, and error-snapshot capture — grounded on the
// teacher's internal/provider/gemini-web/client.go GeminiClient
// (ensureRunning, GenerateContent's retry loop, typed APIError/
// TemporarilyBlocked/UsageLimitExceeded) and state.go's session/state-cache
// pattern, generalized off one vendor's specifics.
type Session struct {
	driver      PageDriver
	selectors   Selectors
	snapshotDir string

	mu            sync.Mutex
	currentModel  string
	modelRegistry []string
}

// NewSession builds a Session over driver using the given selectors.
// snapshotDir receives error snapshots (HTML + screenshot) on unexpected
// failures, per spec §7.
func NewSession(driver PageDriver, selectors Selectors, snapshotDir string) *Session {
	return &Session{driver: driver, selectors: selectors, snapshotDir: snapshotDir}
}

func (s *Session) PageReady() bool {
	return s.driver.Alive()
}

func (s *Session) CurrentModelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentModel
}

// ClearChatHistory navigates to a fresh-chat URL, retrying up to three
// times with a 2s backoff per spec §4.5.
func (s *Session) ClearChatHistory(ctx context.Context, check CheckDisconnect) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if check != nil {
			if err := check("clear_chat_history"); err != nil {
				return err
			}
		}
		if err := s.driver.Navigate(ctx, s.selectors.NewChatURL); err == nil {
			return nil
		} else {
			lastErr = err
			log.WithError(err).Warnf("studio: clear_chat_history attempt %d/%d failed", attempt, maxAttempts)
		}
		if attempt < maxAttempts {
			time.Sleep(2 * time.Second)
		}
	}
	s.snapshot(ctx, "clear_chat_history")
	_ = lastErr
	return &NavigateRetriesExhausted{Attempts: maxAttempts}
}

// SetSystemInstructions fills the instructions panel and verifies it by
// readback, per spec §4.5.
func (s *Session) SetSystemInstructions(ctx context.Context, text string, check CheckDisconnect) error {
	if text == "" {
		return nil
	}
	if check != nil {
		if err := check("set_system_instructions"); err != nil {
			return err
		}
	}
	if err := s.driver.Fill(ctx, s.selectors.SystemInstructions, text); err != nil {
		s.snapshot(ctx, "set_system_instructions")
		return &SelectorError{Op: "set_system_instructions", Cause: err}
	}
	readback, err := s.driver.ReadText(ctx, s.selectors.SystemInstructions)
	if err != nil || readback != text {
		s.snapshot(ctx, "set_system_instructions_readback")
		return &SelectorError{Op: "set_system_instructions", Cause: fmt.Errorf("readback mismatch")}
	}
	return nil
}

// AdjustParameters compares temperature, max_output_tokens and stop
// sequences against the cache (spec §3's idempotent-skip purpose), logs a
// cache-hit skip or a cache miss for each, and then stores params in the
// cache. It makes no PageDriver call, so no parameter is written to the
// page, and the only error it returns is the check callback's.
func (s *Session) AdjustParameters(ctx context.Context, params Params, cache ParamCacheAccessor, modelID string, modelList []string, check CheckDisconnect) error {
	if check != nil {
		if err := check("adjust_parameters"); err != nil {
			return err
		}
	}

	cached := cache.Get()
	if cached.LastModelID != modelID {
		cache.Clear()
		cached = CachedParams{}
	}

	next := CachedParams{LastModelID: modelID, Temperature: params.Temperature, MaxOutputTokens: params.MaxOutputTokens, StopSequences: params.Stop}

	if equalFloatPtr(cached.Temperature, params.Temperature) {
		log.Debug("studio: skip page interaction for temperature (param cache hit)")
	} else if params.Temperature != nil {
		log.Debug("studio: temperature differs from param cache (no page write made)")
	}
	if equalIntPtr(cached.MaxOutputTokens, params.MaxOutputTokens) {
		log.Debug("studio: skip page interaction for max_output_tokens (param cache hit)")
	} else if params.MaxOutputTokens != nil {
		log.Debug("studio: max_output_tokens differs from param cache (no page write made)")
	}
	if equalStringSlice(cached.StopSequences, params.Stop) {
		log.Debug("studio: skip page interaction for stop sequences (param cache hit)")
	} else if len(params.Stop) > 0 {
		log.Debug("studio: stop sequences differ from param cache (no page write made)")
	}

	cache.Set(next)
	return nil
}

// SubmitPrompt types the prompt, uploads any images, and triggers submit.
// The upload is not verified: the number of attached files is not checked.
func (s *Session) SubmitPrompt(ctx context.Context, prompt string, images []ImageRef, check CheckDisconnect) error {
	if check != nil {
		if err := check("submit_prompt"); err != nil {
			return err
		}
	}
	if err := s.driver.Fill(ctx, s.selectors.PromptInput, prompt); err != nil {
		s.snapshot(ctx, "submit_prompt_fill")
		return &SelectorError{Op: "submit_prompt", Cause: err}
	}
	if len(images) > 0 {
		if err := s.driver.UploadFiles(ctx, s.selectors.FileUploadInput, images); err != nil {
			s.snapshot(ctx, "submit_prompt_upload")
			return &SelectorError{Op: "submit_prompt", Cause: err}
		}
	}
	if err := s.driver.Click(ctx, s.selectors.SubmitButton); err != nil {
		s.snapshot(ctx, "submit_prompt_click")
		return &SelectorError{Op: "submit_prompt", Cause: err}
	}
	return nil
}

// stabilityPollInterval and stabilityRequiredMatches implement the
// DOM-scrape fallback's "3 consecutive snapshots agree" completion check
// (spec §4.2.3).
const (
	stabilityPollInterval    = 500 * time.Millisecond
	stabilityRequiredMatches = 3
	attachTimeout            = 90 * time.Second
)

// GetResponse polls until the page indicates the reply is complete:
// submit disabled, edit affordance visible, input re-editable, and three
// consecutive snapshots of the response text agree.
func (s *Session) GetResponse(ctx context.Context, check CheckDisconnect) (string, error) {
	deadline := time.Now().Add(attachTimeout)
	var lastText string
	matches := 0

	for time.Now().Before(deadline) {
		if check != nil {
			if err := check("get_response"); err != nil {
				return "", err
			}
		}

		submitEnabled, _ := s.driver.IsEnabled(ctx, s.selectors.SubmitButton)
		editVisible, _ := s.driver.IsVisible(ctx, s.selectors.EditAffordance)
		inputEditable, _ := s.driver.IsEnabled(ctx, s.selectors.PromptInput)
		text, err := s.driver.ReadText(ctx, s.selectors.ResponseContainer)
		if err != nil {
			time.Sleep(stabilityPollInterval)
			continue
		}

		if !submitEnabled && editVisible && inputEditable {
			if text == lastText {
				matches++
			} else {
				matches = 1
				lastText = text
			}
			if matches >= stabilityRequiredMatches {
				return text, nil
			}
		}
		time.Sleep(stabilityPollInterval)
	}
	s.snapshot(ctx, "get_response_timeout")
	return "", &SelectorError{Op: "get_response", Cause: fmt.Errorf("90s attach/stability timeout")}
}

// StopGeneration is equivalent to ClearChatHistory but never raises;
// errors are logged only (spec §4.5).
func (s *Session) StopGeneration(ctx context.Context, check CheckDisconnect) {
	if err := s.ClearChatHistory(ctx, check); err != nil {
		log.WithError(err).Warn("studio: stop_generation encountered an error (swallowed)")
	}
}

// ContinuouslyHandleSkipButton polls every 2s and clicks any visible Skip
// button, halting when stop is closed.
func (s *Session) ContinuouslyHandleSkipButton(ctx context.Context, stop <-chan struct{}, check CheckDisconnect) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if check != nil {
				if err := check("skip_button_monitor"); err != nil {
					return
				}
			}
			visible, err := s.driver.IsVisible(ctx, s.selectors.SkipButton)
			if err != nil {
				log.WithError(err).Debug("studio: skip button visibility check failed")
				continue
			}
			if visible {
				if err = s.driver.Click(ctx, s.selectors.SkipButton); err != nil {
					log.WithError(err).Debug("studio: skip button click failed")
				}
			}
		}
	}
}

// SwitchModel changes the page's active model.
func (s *Session) SwitchModel(ctx context.Context, modelID string, check CheckDisconnect) error {
	if check != nil {
		if err := check("switch_model"); err != nil {
			return err
		}
	}
	if err := s.driver.Click(ctx, s.selectors.ModelPicker); err != nil {
		return &ModelUnavailableError{Model: modelID}
	}
	s.mu.Lock()
	s.currentModel = modelID
	s.mu.Unlock()
	return nil
}

func (s *Session) snapshot(ctx context.Context, tag string) {
	if s.snapshotDir == "" {
		return
	}
	html, errHTML := s.driver.HTML(ctx)
	shot, errShot := s.driver.Screenshot(ctx)
	if errHTML != nil && errShot != nil {
		log.WithError(errHTML).Warn("studio: failed to capture error snapshot")
		return
	}

	stamp := time.Now().Format("20060102T150405.000")
	base := filepath.Join(s.snapshotDir, fmt.Sprintf("%s-%s", stamp, tag))
	if errHTML == nil {
		if err := os.WriteFile(base+".html", []byte(html), 0o644); err != nil {
			log.WithError(err).Warn("studio: failed to write error snapshot html")
		}
	}
	if errShot == nil {
		if err := os.WriteFile(base+".png", shot, 0o644); err != nil {
			log.WithError(err).Warn("studio: failed to write error snapshot png")
		}
	}
}

func equalFloatPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalStringSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
