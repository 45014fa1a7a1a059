// Package orbit drives the spawned item around the model on a fixed tick.
// The driver owns the only animation timer in the process; it asks its host
// for the current item handle and anchor every tick and pushes one move per
// tick while a handle exists.
package orbit

import (
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/harmonica"
	"github.com/rs/zerolog"
)

// Spring shape for the radius ramp after a spawn.
const (
	springFrequency = 4.0
	springDamping   = 0.9
)

// Pose is a target position and rotation in host scene coordinates.
type Pose struct {
	X        float64
	Y        float64
	Rotation float64
}

// Host is what the driver needs from the session: the current item handle,
// the pose anchor, and a way to push a move. Implementations must tolerate
// one late call after the driver stops; the session re-checks the handle at
// the emission point.
type Host interface {
	ItemHandle() (string, bool)
	Anchor() (x, y float64)
	MoveItem(id string, pose Pose)
}

// Params fixes the orbit geometry and timing.
type Params struct {
	Tick    time.Duration
	Step    float64 // radians advanced per acting tick
	Radius  float64
	Squash  float64 // vertical flattening of the ellipse
	OffsetX float64
	OffsetY float64
	Ramp    bool
}

// Driver ticks the orbit. The phase accumulator lives for the whole process
// and is never reset, so the item resumes where it left off after a
// reconnect instead of snapping back to the ellipse start.
type Driver struct {
	params Params
	host   Host
	log    zerolog.Logger
	spring harmonica.Spring

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	phase     float64
	radius    float64
	radiusVel float64
}

func NewDriver(params Params, host Host, log zerolog.Logger) *Driver {
	d := &Driver{
		params: params,
		host:   host,
		log:    log,
		spring: harmonica.NewSpring(params.Tick.Seconds(), springFrequency, springDamping),
	}
	if !params.Ramp {
		d.radius = params.Radius
	}
	return d
}

// Start begins ticking. Starting a running driver does nothing, so there is
// never more than one animation timer. With the ramp enabled each start
// swings the radius out from zero again, letting a freshly spawned item ease
// onto the ellipse instead of teleporting there.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	if d.params.Ramp {
		d.radius = 0
		d.radiusVel = 0
	}
	d.log.Debug().Msg("orbit driver started")
	go d.run(d.stop)
}

// Stop halts ticking. Safe to call when not running. A tick already in
// flight may still reach the host once; the host's handle gate absorbs it.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stop)
	d.log.Debug().Msg("orbit driver stopped")
}

func (d *Driver) run(stop chan struct{}) {
	ticker := time.NewTicker(d.params.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// tick gates on the handle first: without one nothing moves and the phase
// does not advance, so the orbit resumes from the same angle once the next
// spawn lands.
func (d *Driver) tick() {
	id, ok := d.host.ItemHandle()
	if !ok {
		return
	}
	ax, ay := d.host.Anchor()

	d.mu.Lock()
	d.phase += d.params.Step
	if d.params.Ramp {
		d.radius, d.radiusVel = d.spring.Update(d.radius, d.radiusVel, d.params.Radius)
	} else {
		d.radius = d.params.Radius
	}
	pose := Pose{
		X:        ax + d.params.OffsetX + math.Cos(d.phase)*d.radius,
		Y:        ay + d.params.OffsetY + math.Sin(d.phase)*d.radius*d.params.Squash,
		Rotation: -normalizeDegrees(d.phase * 180 / math.Pi),
	}
	d.mu.Unlock()

	d.host.MoveItem(id, pose)
}

// normalizeDegrees maps an angle to (-180, 180].
func normalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg > 180 {
		deg -= 360
	} else if deg <= -180 {
		deg += 360
	}
	return deg
}
