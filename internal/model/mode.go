package model

// OutputMode selects what the inference server is asked to return.
type OutputMode int

const (
	// ScoreResults asks for a free rarity level per word.
	ScoreResults OutputMode = iota
	// SelectedWordIDs asks for exactly N of the M input words.
	SelectedWordIDs
)

func (m OutputMode) String() string {
	if m == SelectedWordIDs {
		return "selected_word_ids"
	}
	return "score_results"
}

// Flavor is the wire dialect spoken by the inference server.
type Flavor int

const (
	OpenAICompat Flavor = iota
	LMStudioREST
)

func (f Flavor) String() string {
	if f == LMStudioREST {
		return "lmstudio_rest"
	}
	return "openai_compat"
}
