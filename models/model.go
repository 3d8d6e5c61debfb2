/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package models

import (
	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Model is a container of layers. A Model is itself a Layer, so models can be
// nested as layers of enclosing models.
type Model interface {
	Layer

	// Layers returns the model's constituent layers, in a deterministic order.
	Layers() []Layer
}

// LayerTransform maps a layer to its replacement during a model rebuild. It
// may return the same layer (possibly mutated in place) or a new one. An error
// aborts the rebuild.
type LayerTransform func(layer Layer) (Layer, error)

// Composed is a Model with a declared, static topology -- Sequential and Graph
// implement it. CloneWith is the generic rebuild capability: it produces a new
// model with identical topology where every layer has been replaced by
// `transform(layer)`.
type Composed interface {
	Model

	// CloneWith rebuilds the model, replacing each layer with the result of
	// transform. The topology (ordering, wiring) is preserved; the layer
	// objects themselves are whatever transform returns.
	CloneWith(transform LayerTransform) (Model, error)
}

// Tracked is a Model whose sublayers are discovered through an internally
// tracked list rather than a declared graph -- the Subclassed base implements
// it. Since there is no topology to rebuild, its layers are replaced in place.
type Tracked interface {
	Model

	// TrackedLayers returns the tracked sublayer list, in registration order.
	TrackedLayers() []Layer

	// ReplaceTrackedLayer replaces the i-th tracked entry.
	ReplaceTrackedLayer(i int, layer Layer)
}

// Sequential is a model composed of a linear chain of layers.
type Sequential struct {
	name   string
	layers []Layer
}

// Compile-time check that Sequential is a Composed model.
var _ Composed = (*Sequential)(nil)

// NewSequential creates a Sequential model with the given layers.
func NewSequential(name string, layers ...Layer) *Sequential {
	m := &Sequential{name: name}
	for _, l := range layers {
		m.Add(l)
	}
	return m
}

// Add appends a layer to the end of the chain.
func (m *Sequential) Add(layer Layer) *Sequential {
	if layer == nil {
		Panicf("Sequential(%q).Add: layer cannot be nil", m.name)
	}
	m.layers = append(m.layers, layer)
	return m
}

// Name of the model.
func (m *Sequential) Name() string { return m.name }

// Layers returns the chain of layers, in order.
func (m *Sequential) Layers() []Layer { return m.layers }

// TrainableVariables returns the trainable variables of all layers, in layer
// order.
func (m *Sequential) TrainableVariables() []*Variable {
	return aggregateVariables(m.layers, Layer.TrainableVariables)
}

// NonTrainableVariables returns the non-trainable variables of all layers, in
// layer order.
func (m *Sequential) NonTrainableVariables() []*Variable {
	return aggregateVariables(m.layers, Layer.NonTrainableVariables)
}

// Variables returns the full weight list of all layers, in layer order.
func (m *Sequential) Variables() []*Variable {
	return aggregateVariables(m.layers, Layer.Variables)
}

// CloneWith implements Composed: it returns a new Sequential with every layer
// replaced by transform(layer), preserving the chain order.
func (m *Sequential) CloneWith(transform LayerTransform) (Model, error) {
	clone := &Sequential{name: m.name, layers: make([]Layer, 0, len(m.layers))}
	for _, layer := range m.layers {
		newLayer, err := transform(layer)
		if err != nil {
			return nil, errors.WithMessagef(err, "cloning Sequential model %q, layer %q", m.name, layer.Name())
		}
		if newLayer == nil {
			return nil, errors.Errorf("cloning Sequential model %q: transform returned nil for layer %q", m.name, layer.Name())
		}
		clone.layers = append(clone.layers, newLayer)
	}
	return clone, nil
}

// Graph is a functional model: a declared DAG of layers. Nodes are created
// with AddLayer and wired by node id; ids 0 to numInputs-1 denote the model
// inputs. The topology is static, which is what allows CloneWith to rebuild
// the model exactly.
type Graph struct {
	name      string
	numInputs int
	nodes     []*graphNode
	outputs   []int
}

type graphNode struct {
	layer  Layer
	inputs []int // Ids of the nodes (or model inputs) feeding this layer.
}

// Compile-time check that Graph is a Composed model.
var _ Composed = (*Graph)(nil)

// NewGraph creates an empty functional model with the given number of inputs.
func NewGraph(name string, numInputs int) *Graph {
	if numInputs < 1 {
		Panicf("models.NewGraph(%q): numInputs must be >= 1, got %d", name, numInputs)
	}
	return &Graph{name: name, numInputs: numInputs}
}

// AddLayer adds a node computing layer over the given input node ids, and
// returns the new node's id. Input ids must refer to model inputs or
// previously added nodes.
func (m *Graph) AddLayer(layer Layer, inputs ...int) int {
	if layer == nil {
		Panicf("Graph(%q).AddLayer: layer cannot be nil", m.name)
	}
	id := m.numInputs + len(m.nodes)
	for _, in := range inputs {
		if in < 0 || in >= id {
			Panicf("Graph(%q).AddLayer(%q): input id %d out of range [0, %d)",
				m.name, layer.Name(), in, id)
		}
	}
	m.nodes = append(m.nodes, &graphNode{layer: layer, inputs: inputs})
	return id
}

// SetOutputs declares which node ids are the model outputs.
func (m *Graph) SetOutputs(ids ...int) *Graph {
	limit := m.numInputs + len(m.nodes)
	for _, id := range ids {
		if id < 0 || id >= limit {
			Panicf("Graph(%q).SetOutputs: id %d out of range [0, %d)", m.name, id, limit)
		}
	}
	m.outputs = ids
	return m
}

// Name of the model.
func (m *Graph) Name() string { return m.name }

// NumInputs returns the declared number of model inputs.
func (m *Graph) NumInputs() int { return m.numInputs }

// Outputs returns the declared output node ids.
func (m *Graph) Outputs() []int { return m.outputs }

// Layers returns the layers in node-creation order.
func (m *Graph) Layers() []Layer {
	layers := make([]Layer, len(m.nodes))
	for i, n := range m.nodes {
		layers[i] = n.layer
	}
	return layers
}

// LayerInputs returns the input node ids of the i-th layer.
func (m *Graph) LayerInputs(i int) []int {
	return m.nodes[i].inputs
}

// TrainableVariables returns the trainable variables of all layers, in node
// order.
func (m *Graph) TrainableVariables() []*Variable {
	return aggregateVariables(m.Layers(), Layer.TrainableVariables)
}

// NonTrainableVariables returns the non-trainable variables of all layers, in
// node order.
func (m *Graph) NonTrainableVariables() []*Variable {
	return aggregateVariables(m.Layers(), Layer.NonTrainableVariables)
}

// Variables returns the full weight list of all layers, in node order.
func (m *Graph) Variables() []*Variable {
	return aggregateVariables(m.Layers(), Layer.Variables)
}

// CloneWith implements Composed: it returns a new Graph with identical wiring
// where every layer has been replaced by transform(layer).
func (m *Graph) CloneWith(transform LayerTransform) (Model, error) {
	clone := &Graph{
		name:      m.name,
		numInputs: m.numInputs,
		nodes:     make([]*graphNode, 0, len(m.nodes)),
		outputs:   append([]int(nil), m.outputs...),
	}
	for _, node := range m.nodes {
		newLayer, err := transform(node.layer)
		if err != nil {
			return nil, errors.WithMessagef(err, "cloning Graph model %q, layer %q", m.name, node.layer.Name())
		}
		if newLayer == nil {
			return nil, errors.Errorf("cloning Graph model %q: transform returned nil for layer %q", m.name, node.layer.Name())
		}
		clone.nodes = append(clone.nodes, &graphNode{
			layer:  newLayer,
			inputs: append([]int(nil), node.inputs...),
		})
	}
	return clone, nil
}

// aggregateVariables concatenates collect(layer) over the given layers.
func aggregateVariables(layers []Layer, collect func(Layer) []*Variable) []*Variable {
	var all []*Variable
	for _, l := range layers {
		all = append(all, collect(l)...)
	}
	return all
}
