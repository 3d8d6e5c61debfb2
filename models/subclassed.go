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
)

// Subclassed is the embeddable base for imperatively-defined models: models
// whose forward computation is ordinary code rather than a declared layer
// graph. Sublayers are registered with Track, which maintains the internally
// tracked list used for traversal and variable aggregation.
//
// Example:
//
//	type myModel struct {
//		models.Subclassed
//		hidden *models.Dense
//		output *models.Dense
//	}
//
//	func newMyModel(hidden, output *models.Dense) *myModel {
//		m := &myModel{Subclassed: models.MakeSubclassed("my_model")}
//		m.hidden = models.Track(&m.Subclassed, hidden)
//		m.output = models.Track(&m.Subclassed, output)
//		return m
//	}
//
// Since a subclassed model has no declared topology, tools that rewrite its
// layers do so through TrackedLayers and ReplaceTrackedLayer, in place.
type Subclassed struct {
	name    string
	tracked []Layer
}

// Compile-time check that a Subclassed-based model is a Tracked model.
var _ Tracked = (*Subclassed)(nil)

// MakeSubclassed initializes the base for a subclassed model with the given
// name.
func MakeSubclassed(name string) Subclassed {
	return Subclassed{name: name}
}

// Track registers a sublayer in m's tracked list and returns it, so it can be
// assigned to a field of the embedding struct in one statement.
func Track[L Layer](m *Subclassed, layer L) L {
	m.tracked = append(m.tracked, layer)
	return layer
}

// Name of the model.
func (m *Subclassed) Name() string { return m.name }

// TrackedLayers returns the tracked sublayer list, in registration order.
func (m *Subclassed) TrackedLayers() []Layer { return m.tracked }

// ReplaceTrackedLayer replaces the i-th tracked entry. Note that fields of the
// embedding struct pointing at the old layer are not updated -- callers that
// keep such fields should refresh them from TrackedLayers afterwards.
func (m *Subclassed) ReplaceTrackedLayer(i int, layer Layer) {
	if i < 0 || i >= len(m.tracked) {
		Panicf("Subclassed(%q).ReplaceTrackedLayer: index %d out of range [0, %d)",
			m.name, i, len(m.tracked))
	}
	if layer == nil {
		Panicf("Subclassed(%q).ReplaceTrackedLayer: layer cannot be nil", m.name)
	}
	m.tracked[i] = layer
}

// Layers returns the tracked sublayers.
func (m *Subclassed) Layers() []Layer { return m.tracked }

// TrainableVariables returns the trainable variables of all tracked layers.
func (m *Subclassed) TrainableVariables() []*Variable {
	return aggregateVariables(m.tracked, Layer.TrainableVariables)
}

// NonTrainableVariables returns the non-trainable variables of all tracked
// layers.
func (m *Subclassed) NonTrainableVariables() []*Variable {
	return aggregateVariables(m.tracked, Layer.NonTrainableVariables)
}

// Variables returns the full weight list of all tracked layers.
func (m *Subclassed) Variables() []*Variable {
	return aggregateVariables(m.tracked, Layer.Variables)
}
