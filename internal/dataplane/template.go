package dataplane

import (
	"fmt"

	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// TemplateDirection says what a template moves. The posting side is always
// the template's source port.
type TemplateDirection uint8

const (
	// DirData moves data, metadata and the full flag from an output buffer
	// into an input buffer.
	DirData TemplateDirection = iota
	// DirRelease clears the producer's mirror word of a consumed input
	// buffer.
	DirRelease
	// DirNotify sets the consumer's shadow word of a produced output buffer.
	DirNotify
	// DirPull copies an output buffer into an input buffer, run by the
	// consumer.
	DirPull
	// DirFree clears an output buffer's state word once it was pulled.
	DirFree
	// DirToken hands the barrier token to the next output.
	DirToken
)

var directionNames = [...]string{"data", "release", "notify", "pull", "free", "token"}

func (d TemplateDirection) String() string {
	if int(d) < len(directionNames) {
		return directionNames[d]
	}
	return fmt.Sprintf("TemplateDirection(%d)", uint8(d))
}

// TemplateKey identifies one prebuilt transfer of a circuit. Ports are
// ranks within their set.
type TemplateKey struct {
	SourcePort int
	SourceTid  int
	TargetPort int
	TargetTid  int
	Broadcast  bool
	Direction  TemplateDirection
}

func (k TemplateKey) String() string {
	b := ""
	if k.Broadcast {
		b = " broadcast"
	}
	return fmt.Sprintf("%s %d[%d]->%d[%d]%s", k.Direction, k.SourcePort, k.SourceTid, k.TargetPort, k.TargetTid, b)
}

func (k TemplateKey) valid() bool {
	ok := func(port, tid int) bool {
		return port >= 0 && port < MaxPortContributors && tid >= 0 && tid < MaxBuffers
	}
	return ok(k.SourcePort, k.SourceTid) && ok(k.TargetPort, k.TargetTid)
}

type template struct {
	key    TemplateKey
	req    xfer.Request
	copies []xfer.Copy
	// orig holds the source offsets replaced by the last modify.
	orig []uint64
}

// templateMap holds a circuit's templates. Keys are bounded by
// MaxPortContributors and MaxBuffers.
type templateMap struct {
	m map[TemplateKey]*template
}

func newTemplateMap() *templateMap {
	return &templateMap{m: make(map[TemplateKey]*template)}
}

func (tm *templateMap) add(key TemplateKey, svc xfer.Services, copies ...xfer.Copy) error {
	if !key.valid() {
		return fmt.Errorf("%w: template %s outside the %dx%d matrix", ErrOutOfMemory, key, MaxPortContributors, MaxBuffers)
	}
	if _, ok := tm.m[key]; ok {
		return fmt.Errorf("dataplane: duplicate template %s", key)
	}
	req, err := svc.CreateRequest(copies...)
	if err != nil {
		return fmt.Errorf("dataplane: template %s: %w", key, err)
	}
	tm.m[key] = &template{key: key, req: req, copies: copies}
	return nil
}

func (tm *templateMap) get(key TemplateKey) (*template, error) {
	t, ok := tm.m[key]
	if !ok {
		return nil, fmt.Errorf("dataplane: no template %s", key)
	}
	return t, nil
}

func (tm *templateMap) len() int { return len(tm.m) }

// modify points t's copies at new source offsets. With reverse set the
// offsets replaced by the previous modify are restored.
func (t *template) modify(src []uint64, reverse bool) error {
	if reverse {
		if t.orig == nil {
			return nil
		}
		src = t.orig
	}
	old, err := t.req.Modify(src)
	if err != nil {
		return err
	}
	if reverse {
		t.orig = nil
	} else if t.orig == nil {
		t.orig = old
	}
	return nil
}
