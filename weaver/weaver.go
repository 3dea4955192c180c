package weaver

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/tliron/commonlog"
	"github.com/zeebo/xxh3"

	"github.com/chazu/litweave/pkg/module"
)

var log = commonlog.GetLogger("litweave.weaver")

// Step names a stage of the weave in a StepError.
type Step string

const (
	StepContext  Step = "context" // build id generation
	StepScan     Step = "scan"
	StepBuild    Step = "build"
	StepAccessor Step = "accessor"
	StepRewrite  Step = "rewrite"
	StepEncrypt  Step = "encrypt"
	StepEmbed    Step = "embed"
	StepVerify   Step = "verify"
)

// StepError reports which stage of which module's weave failed. A module
// whose weave failed is left half rewritten and must be discarded.
type StepError struct {
	Module string
	Step   Step
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("weave %s: %s: %v", e.Module, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Config controls which literals are moved and how they are stored.
type Config struct {
	MinLen           int  // shortest literal moved, in UTF-8 bytes
	MaxLen           int  // longest literal moved, in UTF-8 bytes
	Encrypt          bool // encrypt the buffer; otherwise store it as is
	RandomOrder      bool // shuffle bodies and sites before layout
	RemoveDuplicates bool // one record per distinct value
	EmbedKey         bool // store the key in front of the ciphertext
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		MinLen:   1,
		MaxLen:   1_000_000,
		Encrypt:  true,
		EmbedKey: true,
	}
}

// Validate checks the length range.
func (c Config) Validate() error {
	if c.MinLen < 0 {
		return fmt.Errorf("min length %d is negative", c.MinLen)
	}
	if c.MaxLen < c.MinLen {
		return fmt.Errorf("max length %d is below min length %d", c.MaxLen, c.MinLen)
	}
	return nil
}

// Strategy returns the addressing strategy the config selects.
func (c Config) Strategy() Strategy {
	if c.RemoveDuplicates {
		return Deduplicated
	}
	return AllOccurrences
}

// Report summarizes one weave. Records hold the literal values and must
// not be written anywhere the module's readers can see.
type Report struct {
	BuildID        string
	Module         string
	ResourceName   string
	Strategy       Strategy
	Encrypted      bool
	Records        []LiteralRecord
	Sites          int
	Bodies         int
	BufferBytes    int
	KeyFingerprint uint64 // xxh3 of the key, zero when unencrypted
	Members        []string
}

// Empty reports whether the weave found nothing to move.
func (r *Report) Empty() bool {
	return len(r.Records) == 0
}

// Weaver runs weaves with one configuration. A Weaver may be reused for
// many modules but not concurrently with a shared random source.
type Weaver struct {
	cfg Config
	rng *rand.Rand
}

// Option configures a Weaver.
type Option func(*Weaver)

// WithRand makes shuffling use r, for reproducible layouts.
func WithRand(r *rand.Rand) Option {
	return func(w *Weaver) { w.rng = r }
}

// New creates a weaver.
func New(cfg Config, opts ...Option) (*Weaver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Weaver{cfg: cfg}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Config returns the weaver's configuration.
func (w *Weaver) Config() Config {
	return w.cfg
}

// Weave moves the literals of m into a new resource and rewrites m in
// place. A module without qualifying literals is left untouched and an
// empty report is returned.
func (w *Weaver) Weave(m *module.Module) (*Report, error) {
	fail := func(step Step, err error) (*Report, error) {
		log.Errorf("weave %s failed at %s: %v", m.Name, step, err)
		return nil, &StepError{Module: m.Name, Step: step, Err: err}
	}

	ctx, err := NewContext(w.rng)
	if err != nil {
		return fail(StepContext, err)
	}
	rep := &Report{
		BuildID:   ctx.BuildID,
		Module:    m.Name,
		Strategy:  w.cfg.Strategy(),
		Encrypted: w.cfg.Encrypt,
	}

	if _, err := m.RootType(); err != nil {
		return fail(StepScan, err)
	}
	bodies := Scan(m, w.cfg.MinLen, w.cfg.MaxLen, w.cfg.RandomOrder, ctx)
	rep.Bodies = len(bodies)
	rep.Sites = countSites(bodies)
	log.Infof("weave %s (build %s): %d literal sites in %d bodies", m.Name, ctx.BuildID, rep.Sites, rep.Bodies)
	if rep.Sites == 0 {
		return rep, nil
	}

	table, err := Build(rep.Strategy, bodies)
	if err != nil {
		return fail(StepBuild, err)
	}
	rep.Records = table.Records
	rep.BufferBytes = len(table.Buffer)
	log.Debugf("weave %s: %d records, %d buffer bytes, strategy %s", m.Name, len(table.Records), len(table.Buffer), table.Strategy)

	acc, err := addAccessor(ctx, m, len(table.Records))
	if err != nil {
		return fail(StepAccessor, err)
	}

	for _, bs := range bodies {
		if err := rewrite(bs, table, acc.lookup.Token); err != nil {
			return fail(StepRewrite, err)
		}
		log.Debugf("rewrote %d sites in %s", len(bs.Sites), bs.Method.FullName())
	}

	p, err := protect(table.Buffer, w.cfg.Encrypt, w.cfg.EmbedKey)
	if err != nil {
		return fail(StepEncrypt, err)
	}
	if p.key != nil {
		rep.KeyFingerprint = xxh3.Hash(p.key)
	}

	rep.ResourceName = ctx.ResourceName()
	if acc.decode.Body, err = decoderBody(m, rep.ResourceName, p); err != nil {
		return fail(StepEmbed, fmt.Errorf("%s: %w", acc.decode.FullName(), err))
	}
	if _, err := m.AddResource(rep.ResourceName, true, p.data); err != nil {
		return fail(StepEmbed, err)
	}
	rep.Members = []string{
		acc.cryptBytes.FullName(),
		acc.strings.FullName(),
		acc.decode.FullName(),
		acc.lookup.FullName(),
	}

	if err := verify(m, bodies, acc, p, table.Buffer); err != nil {
		return fail(StepVerify, err)
	}

	log.Infof("weave %s: moved %d literals into %s", m.Name, len(table.Records), rep.ResourceName)
	return rep, nil
}

// verify encodes every body the weave touched and checks that the
// resource decrypts back to the buffer.
func verify(m *module.Module, bodies []BodySites, acc *accessor, p *payload, buf []byte) error {
	init, err := m.FindMethod(module.RootTypeName, module.InitializerName)
	if err != nil {
		return err
	}
	touched := []*module.Method{init, acc.decode, acc.lookup}
	for _, bs := range bodies {
		touched = append(touched, bs.Method)
	}
	for _, meth := range touched {
		if _, err := m.EncodeBody(meth); err != nil {
			return err
		}
	}

	if p.key == nil {
		if !bytes.Equal(p.data, buf) {
			return errors.New("resource does not match the literal buffer")
		}
		return nil
	}
	ct := p.data
	if p.embedKey {
		if !bytes.Equal(ct[:keySize], p.key) {
			return errors.New("resource does not start with the key")
		}
		ct = ct[keySize:]
	}
	plain, err := decrypt(ct, p.key, p.byteCount)
	if err != nil {
		return err
	}
	if !bytes.Equal(plain, buf) {
		return errors.New("resource does not decrypt to the literal buffer")
	}
	return nil
}
