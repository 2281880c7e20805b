// Package studio implements the Browser Controller (C6): the opaque
// façade the pipeline drives to prepare a prompt, set parameters, submit,
// await completion, stop generation, and clear history. Spec §4.5
// specifies C6 only at its contract and explicitly puts the headless
// browser and its DOM selectors out of scope (spec.md §1); this package
// implements the contract plus a concrete Session grounded on the
// teacher's internal/provider/gemini-web.GeminiClient texture (typed
// errors, ensureRunning/retry-on-APIError loop, error-snapshot capture)
// without porting the vendor-specific DOM automation spec.md excludes.
package studio

// Selectors groups every string the controller needs to locate page
// elements, loaded once at startup and never seen by internal/pipeline —
// spec §9's "string-based browser selectors are grouped into a Selectors
// struct" redesign note.
type Selectors struct {
	PromptInput        string `yaml:"prompt-input"`
	SubmitButton       string `yaml:"submit-button"`
	SkipButton         string `yaml:"skip-button"`
	StopButton         string `yaml:"stop-button"`
	EditAffordance     string `yaml:"edit-affordance"`
	SystemInstructions string `yaml:"system-instructions"`
	ModelPicker        string `yaml:"model-picker"`
	FileUploadInput    string `yaml:"file-upload-input"`
	ResponseContainer  string `yaml:"response-container"`
	NewChatURL         string `yaml:"new-chat-url"`
}

// DefaultSelectors returns the built-in selector set. The worker binary
// always uses it; no selectors.yaml file is read.
func DefaultSelectors() Selectors {
	return Selectors{
		PromptInput:        "#prompt-textarea",
		SubmitButton:       "button[aria-label='Submit']",
		SkipButton:         "button[aria-label='Skip']",
		StopButton:         "button[aria-label='Stop generating']",
		EditAffordance:     "button[aria-label='Edit']",
		SystemInstructions: "#system-instructions",
		ModelPicker:        "#model-picker",
		FileUploadInput:    "input[type='file']",
		ResponseContainer:  ".response-container:last-child",
		NewChatURL:         "/app/new",
	}
}
