// Package model holds the fixed architecture served by the coordinator and
// the parameter signature every update must satisfy.
package model

import (
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Dense describes one fully connected layer.
type Dense struct {
	Name       string
	Activation string // "linear" when the layer has no activation
	InputShape []int  // set only on the first layer
	Units      int
}

// CompileConfig is the optimizer/loss pair the model is compiled with.
type CompileConfig struct {
	Optimizer    string
	Loss         string
	LearningRate float64
}

// Topology is the static architecture description. It is never inferred
// from incoming data.
type Topology struct {
	Name    string
	Layers  []Dense
	Compile CompileConfig
}

// Equal reports whether two topologies describe the same model.
func (t Topology) Equal(other Topology) bool {
	return t.Name == other.Name &&
		t.Compile == other.Compile &&
		slices.EqualFunc(t.Layers, other.Layers, func(a, b Dense) bool {
			return a.Name == b.Name && a.Units == b.Units &&
				a.Activation == b.Activation && slices.Equal(a.InputShape, b.InputShape)
		})
}

// Keras-style descriptor shapes. Clients built on layers-model loaders
// read this layout from "modelTopology".
type (
	kerasModel struct {
		ClassName      string            `json:"class_name"`
		Config         kerasSequential   `json:"config"`
		KerasVersion   string            `json:"keras_version"`
		Backend        string            `json:"backend"`
		TrainingConfig *kerasTrainingCfg `json:"training_config,omitempty"`
	}
	kerasSequential struct {
		Name   string       `json:"name"`
		Layers []kerasLayer `json:"layers"`
	}
	kerasLayer struct {
		ClassName string           `json:"class_name"`
		Config    kerasDenseConfig `json:"config"`
	}
	kerasDenseConfig struct {
		Name              string `json:"name"`
		Units             int    `json:"units"`
		Activation        string `json:"activation"`
		UseBias           bool   `json:"use_bias"`
		BatchInputShape   []*int `json:"batch_input_shape,omitempty"`
		KernelInitializer string `json:"kernel_initializer"`
		BiasInitializer   string `json:"bias_initializer"`
		Trainable         bool   `json:"trainable"`
		DType             string `json:"dtype"`
	}
	kerasTrainingCfg struct {
		Loss            string         `json:"loss"`
		OptimizerConfig kerasOptimizer `json:"optimizer_config"`
	}
	kerasOptimizer struct {
		ClassName string             `json:"class_name"`
		Config    map[string]float64 `json:"config"`
	}
)

const kerasVersion = "tfjs-layers 4.22.0"

// MarshalJSON renders the topology as a Keras Sequential descriptor.
func (t Topology) MarshalJSON() ([]byte, error) {
	m := kerasModel{
		ClassName:    "Sequential",
		Config:       kerasSequential{Name: t.Name},
		KerasVersion: kerasVersion,
		Backend:      "tensor_flow.js",
		TrainingConfig: &kerasTrainingCfg{
			Loss: t.Compile.Loss,
			OptimizerConfig: kerasOptimizer{
				ClassName: t.Compile.Optimizer,
				Config:    map[string]float64{"learning_rate": t.Compile.LearningRate},
			},
		},
	}
	for _, l := range t.Layers {
		cfg := kerasDenseConfig{
			Name:              l.Name,
			Units:             l.Units,
			Activation:        l.Activation,
			UseBias:           true,
			KernelInitializer: "glorot_uniform",
			BiasInitializer:   "zeros",
			Trainable:         true,
			DType:             "float32",
		}
		if l.InputShape != nil {
			// Leading null is the batch dimension.
			cfg.BatchInputShape = []*int{nil}
			for _, d := range l.InputShape {
				d := d
				cfg.BatchInputShape = append(cfg.BatchInputShape, &d)
			}
		}
		m.Config.Layers = append(m.Config.Layers, kerasLayer{ClassName: "Dense", Config: cfg})
	}
	return json.Marshal(m)
}

// UnmarshalJSON parses a descriptor written by MarshalJSON.
func (t *Topology) UnmarshalJSON(data []byte) error {
	var m kerasModel
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if m.ClassName != "Sequential" {
		return errors.Errorf("unsupported model class %q", m.ClassName)
	}
	out := Topology{Name: m.Config.Name}
	for i, l := range m.Config.Layers {
		if l.ClassName != "Dense" {
			return errors.Errorf("layer %d: unsupported layer class %q", i, l.ClassName)
		}
		d := Dense{Name: l.Config.Name, Units: l.Config.Units, Activation: l.Config.Activation}
		if len(l.Config.BatchInputShape) > 0 {
			d.InputShape = []int{}
			for _, dim := range l.Config.BatchInputShape[1:] {
				if dim == nil {
					return errors.Errorf("layer %d: input shape has an unknown dimension", i)
				}
				d.InputShape = append(d.InputShape, *dim)
			}
		}
		out.Layers = append(out.Layers, d)
	}
	if m.TrainingConfig != nil {
		out.Compile = CompileConfig{
			Optimizer:    m.TrainingConfig.OptimizerConfig.ClassName,
			Loss:         m.TrainingConfig.Loss,
			LearningRate: m.TrainingConfig.OptimizerConfig.Config["learning_rate"],
		}
	}
	*t = out
	return nil
}
