package hostbus

const (
	SubjectSynthesize = "synthesize"
	SubjectStop       = "stop"
	SubjectVoices     = "voices"
	SubjectLanguage   = "language"
	SubjectLoad       = "language.load"
	SubjectGetLang    = "language.get"
	SubjectVoiceData  = "voicedata"
	SubjectSample     = "sample"
	SubjectAudio      = "audio"
)

// Event types published on the audio subject of a request.
const (
	EventStart = "start"
	EventAudio = "audio"
	EventDone  = "done"
	EventError = "error"
)

type SynthesizeRequest struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

// SynthesizeReply is sent to the request's reply subject, if any, once the
// stream has ended.
type SynthesizeReply struct {
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"`
}

type Event struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate,omitempty"`
	BitDepth   int    `json:"bit_depth,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	PCM        []byte `json:"pcm,omitempty"`
	Error      string `json:"error,omitempty"`
}

type LanguageQuery struct {
	Lang    string `json:"lang"`
	Country string `json:"country"`
	Variant string `json:"variant"`
}

// CurrentLanguage answers a language.get request.
type CurrentLanguage struct {
	Lang    string `json:"lang"`
	Country string `json:"country"`
	Variant string `json:"variant"`
}

type SampleQuery struct {
	Lang string `json:"lang"`
}

type SampleReply struct {
	Text string `json:"text"`
}

type LanguageReply struct {
	Status    int    `json:"status"`
	StatusStr string `json:"status_name"`
	Voice     string `json:"voice,omitempty"`
}
