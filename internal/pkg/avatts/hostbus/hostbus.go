// Package hostbus exposes the TTS service contract over NATS.
package hostbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"avatts/internal/pkg/avatts/service"
	"avatts/internal/pkg/avatts/synth"
)

// Host is the service contract the binding drives.
type Host interface {
	OnSynthesizeText(ctx context.Context, req synth.Request, sink synth.Sink) synth.Outcome
	OnStop()
	OnGetVoices() []service.Voice
	OnIsLanguageAvailable(lang, country, variant string) service.LanguageStatus
	OnLoadLanguage(lang, country, variant string) service.LanguageStatus
	OnGetLanguage() (lang, country, variant string)
	OnGetDefaultVoiceNameFor(lang, country, variant string) (string, bool)
	CheckVoiceData() service.VoiceDataResult
	SampleText(lang string) string
}

// Connect dials the bus with the options the binding expects.
func Connect(url string, logger zerolog.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, errors.New("no NATS url configured")
	}
	conn, err := nats.Connect(url,
		nats.Name("avatts"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info().Str("url", url).Msg("Connected to NATS")
	return conn, nil
}

type Binding struct {
	conn   *nats.Conn
	host   Host
	prefix string
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs []*nats.Subscription
}

func New(conn *nats.Conn, host Host, prefix string, logger zerolog.Logger) *Binding {
	ctx, cancel := context.WithCancel(context.Background())
	return &Binding{
		conn:   conn,
		host:   host,
		prefix: prefix,
		log:    logger.With().Str("component", "hostbus").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Binding) subject(name string) string {
	if b.prefix == "" {
		return name
	}
	return b.prefix + "." + name
}

// AudioSubject is where the events of one request are published.
func (b *Binding) AudioSubject(requestID string) string {
	return b.subject(SubjectAudio + "." + requestID)
}

// Start subscribes to the service subjects. Each subject is delivered on
// its own goroutine, so a stop arrives while a synthesis is streaming;
// synthesis requests themselves run one at a time in arrival order.
func (b *Binding) Start() error {
	handlers := map[string]nats.MsgHandler{
		SubjectSynthesize: b.handleSynthesize,
		SubjectStop:       b.handleStop,
		SubjectVoices:     b.handleVoices,
		SubjectLanguage:   b.handleLanguage,
		SubjectLoad:       b.handleLoadLanguage,
		SubjectGetLang:    b.handleGetLanguage,
		SubjectVoiceData:  b.handleVoiceData,
		SubjectSample:     b.handleSample,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, h := range handlers {
		sub, err := b.conn.Subscribe(b.subject(name), h)
		if err != nil {
			b.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", b.subject(name), err)
		}
		b.subs = append(b.subs, sub)
	}
	b.log.Info().Str("prefix", b.prefix).Msg("Host binding started")
	return nil
}

// Close cancels a running synthesis and drains the subscriptions.
func (b *Binding) Close() {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.log.Warn().Err(err).Str("subject", sub.Subject).Msg("Failed to drain subscription")
		}
	}
	b.subs = nil
}

func (b *Binding) unsubscribeLocked() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}

func (b *Binding) handleSynthesize(msg *nats.Msg) {
	var req SynthesizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.log.Warn().Err(err).Msg("Failed to decode synthesize request")
		return
	}
	if !validToken(req.RequestID) {
		id := uuid.NewString()
		if req.RequestID != "" {
			b.log.Warn().Str("request_id", req.RequestID).Str("assigned", id).Msg("Invalid request id replaced")
		}
		req.RequestID = id
	}

	sink := &busSink{binding: b, requestID: req.RequestID, subject: b.AudioSubject(req.RequestID)}
	outcome := b.host.OnSynthesizeText(b.ctx, synth.Request{ID: req.RequestID, Text: req.Text}, sink)

	if msg.Reply != "" {
		b.respond(msg, SynthesizeReply{RequestID: req.RequestID, Outcome: string(outcome)})
	}
}

func (b *Binding) handleStop(*nats.Msg) {
	b.host.OnStop()
}

func (b *Binding) handleVoices(msg *nats.Msg) {
	b.respond(msg, b.host.OnGetVoices())
}

func (b *Binding) handleLanguage(msg *nats.Msg) {
	q := b.languageQuery(msg)
	b.respondLanguage(msg, q, b.host.OnIsLanguageAvailable(q.Lang, q.Country, q.Variant))
}

func (b *Binding) handleLoadLanguage(msg *nats.Msg) {
	q := b.languageQuery(msg)
	b.respondLanguage(msg, q, b.host.OnLoadLanguage(q.Lang, q.Country, q.Variant))
}

func (b *Binding) languageQuery(msg *nats.Msg) LanguageQuery {
	var q LanguageQuery
	if err := json.Unmarshal(msg.Data, &q); err != nil {
		b.log.Warn().Err(err).Msg("Failed to decode language query")
		return LanguageQuery{}
	}
	return q
}

func (b *Binding) respondLanguage(msg *nats.Msg, q LanguageQuery, status service.LanguageStatus) {
	reply := LanguageReply{Status: int(status), StatusStr: status.String()}
	if name, ok := b.host.OnGetDefaultVoiceNameFor(q.Lang, q.Country, q.Variant); ok {
		reply.Voice = name
	}
	b.respond(msg, reply)
}

func (b *Binding) handleGetLanguage(msg *nats.Msg) {
	lang, country, variant := b.host.OnGetLanguage()
	b.respond(msg, CurrentLanguage{Lang: lang, Country: country, Variant: variant})
}

func (b *Binding) handleVoiceData(msg *nats.Msg) {
	b.respond(msg, b.host.CheckVoiceData())
}

func (b *Binding) handleSample(msg *nats.Msg) {
	var q SampleQuery
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &q); err != nil {
			b.log.Warn().Err(err).Msg("Failed to decode sample query")
		}
	}
	if q.Lang == "" {
		q.Lang, _, _ = b.host.OnGetLanguage()
	}
	b.respond(msg, SampleReply{Text: b.host.SampleText(q.Lang)})
}

func (b *Binding) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Warn().Err(err).Msg("Failed to marshal reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to send reply")
	}
}

func (b *Binding) publish(subject string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

// validToken reports whether id can be used as a single subject token.
func validToken(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if r <= ' ' || r == 0x7f || r == '.' || r == '*' || r == '>' {
			return false
		}
	}
	return !strings.ContainsFunc(id, unicode.IsSpace)
}

// busSink adapts one request's stream to audio events.
type busSink struct {
	binding   *Binding
	requestID string
	subject   string
	seq       int
}

func (s *busSink) event(typ string) Event {
	ev := Event{Type: typ, RequestID: s.requestID, Sequence: s.seq}
	s.seq++
	return ev
}

func (s *busSink) Start(sampleRate, bitDepth, channels int) error {
	ev := s.event(EventStart)
	ev.SampleRate, ev.BitDepth, ev.Channels = sampleRate, bitDepth, channels
	return s.binding.publish(s.subject, ev)
}

func (s *busSink) AudioAvailable(chunk []byte) error {
	ev := s.event(EventAudio)
	ev.PCM = chunk
	return s.binding.publish(s.subject, ev)
}

func (s *busSink) Done() {
	if err := s.binding.publish(s.subject, s.event(EventDone)); err != nil {
		s.binding.log.Warn().Err(err).Str("request_id", s.requestID).Msg("Failed to publish done")
	}
}

func (s *busSink) Error(kind synth.ErrorKind) {
	ev := s.event(EventError)
	ev.Error = kind.String()
	if err := s.binding.publish(s.subject, ev); err != nil {
		s.binding.log.Warn().Err(err).Str("request_id", s.requestID).Msg("Failed to publish error")
	}
}
