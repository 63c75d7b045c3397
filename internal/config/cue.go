package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schema constrains CUE configuration files. Definitions are closed, so
// unknown fields are rejected.
const schema = `
#Voltage: number | string

#Waveform: {
	type:        "dc" | "sine" | "triangle" | "square" | "arbitrary" | "expression"
	volts?:      #Voltage
	vpp?:        #Voltage
	vp?:         #Voltage
	offset?:     #Voltage
	vmin?:       #Voltage
	vmax?:       #Voltage
	freq?:       number & >0
	period?:     number & >0
	symmetry?:   number & >=0 & <=100
	duty_cycle?: number & >=0 & <=100
	voltages?: [...#Voltage]
	expression?: string
	resolution?: int & >=0
	unsafe?:     bool
	hold?:       bool
}

#Channel: {
	channel:  "A" | "B" | "a" | "b"
	waveform: #Waveform
}

#Config: {
	name?:        string
	description?: string
	hot_reload?:  bool
	logging?: {
		level?:  string
		format?: "text" | "json"
		loki?: {
			enabled?: bool
			url?:     string
			labels?: {[string]: string}
		}
	}
	telemetry?: {
		enabled?:  bool
		provider?: string
		listen?:   string
	}
	transport?: {
		driver?:       "periph" | "discard"
		spi_port?:     string
		frequency_hz?: int & >0
		mode?:         int & >=0 & <=3
		bits?:         int & >0
		cs_pin?:       string
		ldac_pin?:     string
		status_pin?:   string
	}
	stream?: {
		settle?:         string
		write_overhead?: string
	}
	channels?: [...#Channel]
}
`

func decodeCUE(path string, raw []byte) (*Config, error) {
	ctx := cuecontext.New()
	defs := ctx.CompileString(schema, cue.Filename("funcgen-schema.cue"))
	if err := defs.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	value := ctx.CompileBytes(raw, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile cue: %w", err)
	}
	value = defs.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate cue: %w", err)
	}
	var cfg Config
	if err := value.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode cue: %w", err)
	}
	return &cfg, nil
}
