package remote

import "strings"

const (
	linearSpeed  = 0.5
	angularSpeed = 0.5
	servoMax     = 180
)

// Actuation is the drive command derived from the held keys.
type Actuation struct {
	Linear  float64 `json:"linear"`
	Angular float64 `json:"angular"`
	Servo   int     `json:"servo"`
}

// Actuator maps held logical keys onto velocities and a two-position servo.
type Actuator struct {
	held  map[string]bool
	servo int
}

func NewActuator() *Actuator {
	return &Actuator{held: make(map[string]bool)}
}

// Press records a key_down. It reports whether the actuation changed.
func (a *Actuator) Press(key string) bool {
	key = strings.ToLower(key)
	if key == "f" {
		if a.servo == 0 {
			a.servo = servoMax
		} else {
			a.servo = 0
		}
		return true
	}
	if key == "" || a.held[key] {
		return false
	}
	before := a.Actuation()
	a.held[key] = true
	return a.Actuation() != before
}

// Release records a key_up. It reports whether the actuation changed.
func (a *Actuator) Release(key string) bool {
	key = strings.ToLower(key)
	if !a.held[key] {
		return false
	}
	before := a.Actuation()
	delete(a.held, key)
	return a.Actuation() != before
}

func (a *Actuator) holds(key string) bool {
	return a.held[strings.ToLower(key)]
}

// Actuation returns the current command. Forward wins over reverse and left over right.
func (a *Actuator) Actuation() Actuation {
	var act Actuation
	switch {
	case a.held["w"]:
		act.Linear = linearSpeed
	case a.held["s"]:
		act.Linear = -linearSpeed
	}
	switch {
	case a.held["a"]:
		act.Angular = angularSpeed
	case a.held["d"]:
		act.Angular = -angularSpeed
	}
	act.Servo = a.servo
	return act
}
