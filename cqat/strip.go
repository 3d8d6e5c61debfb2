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

// Package cqat finalizes models trained with cluster-preserve
// quantization-aware training (CQAT).
//
// During CQAT each clustered layer carries auxiliary variables on its
// quantization-aware wrapper: the centroid codebook, the per-position cluster
// indices and a snapshot of the original weights (see the cluster package).
// Once training is done, Strip materializes the dense kernel each layer should
// use at inference (centroid[index] at every position), writes it back into
// the kernel variable and removes the auxiliary variables -- while leaving the
// quantization-aware wrapper in place, so a downstream converter can still
// read the learned quantization ranges.
package cqat

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/modeloptim/cluster"
	"github.com/gomlx/modeloptim/models"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Errors returned by Strip. Wrapped errors carry context about the offending
// object; match them with errors.Is.
var (
	// ErrInvalidInputType reports that the value passed to Strip is neither a
	// models.Model nor a models.Layer.
	ErrInvalidInputType = errors.New("input is neither a models.Model nor a models.Layer")

	// ErrUnsupportedInputType reports a model that matches none of the
	// recognized construction styles (composed, bare layer, subclassed).
	ErrUnsupportedInputType = errors.New("model construction style not supported for stripping")

	// ErrMissingClusteringState reports a layer that was expected to carry
	// clustering state (a wrapped, non-depthwise convolution or dense layer)
	// but lacks its centroid or index variable. Usually it means the model was
	// not produced by the CQAT training pipeline, or was already stripped.
	ErrMissingClusteringState = errors.New("layer is missing clustering state")
)

// inputKind is the closed set of input shapes Strip dispatches over. It is
// computed once by classify; all downstream logic switches on the tag instead
// of re-inspecting types.
type inputKind int

const (
	// kindInvalid: not a model nor a layer.
	kindInvalid inputKind = iota

	// kindComposed: a model with a declared topology (Sequential or Graph).
	kindComposed

	// kindBareLayer: a single layer that is not itself a model.
	kindBareLayer

	// kindSubclassed: an imperatively-defined model exposing its tracked
	// sublayer list.
	kindSubclassed

	// kindUnknown: a model of neither composed nor subclassed construction.
	kindUnknown
)

// classify returns the input's shape category. The composed, bare-layer and
// subclassed categories are mutually exclusive and cover every model/layer
// built from this repository's types; kindUnknown only arises for foreign
// models.Model implementations.
func classify(obj any) inputKind {
	switch obj.(type) {
	case models.Composed:
		return kindComposed
	case models.Tracked:
		return kindSubclassed
	case models.Model:
		return kindUnknown
	case models.Layer:
		return kindBareLayer
	}
	return kindInvalid
}

// wrappedLayer is what Strip requires from a quantization-aware wrapper: an
// inner layer and replaceable variable collections. quantize.Wrapper
// implements it.
type wrappedLayer interface {
	models.Layer
	models.VariableListOwner
	Inner() models.Layer
}

// Strip removes the clustering variables CQAT training left behind on
// toStrip, which must be a models.Model or a models.Layer.
//
// For every quantization-aware wrapper around a non-depthwise convolution or
// dense layer, the dense kernel is recomputed from the centroid and index
// variables, assigned into the kernel variable in place, and the centroid,
// index and original-weight variables are dropped from the wrapper's
// collections. The wrapper itself, its quantization ranges, and all other
// layers are left untouched.
//
// Composed models (Sequential, Graph) are rebuilt with identical topology and
// the same (mutated) layer objects, and the rebuilt model is returned.
// A bare layer, or a subclassed model whose tracked sublayers are replaced in
// place, is returned itself.
//
// Strip fails with ErrInvalidInputType, ErrUnsupportedInputType or
// ErrMissingClusteringState -- see their documentation. It is a single pass:
// on error the model may have been partially stripped.
func Strip(toStrip any) (models.Layer, error) {
	var stats stripStats
	defer stats.log()

	switch classify(toStrip) {
	case kindComposed:
		return stats.cloneStripped(toStrip.(models.Composed))

	case kindBareLayer:
		return stats.stripLayer(toStrip.(models.Layer))

	case kindSubclassed:
		m := toStrip.(models.Tracked)
		for i, layer := range m.TrackedLayers() {
			newLayer, err := stats.stripLayer(layer)
			if err != nil {
				return nil, err
			}
			m.ReplaceTrackedLayer(i, newLayer)
		}
		return m, nil

	case kindUnknown:
		return nil, errors.WithMessagef(ErrUnsupportedInputType,
			"cannot strip clustering from a %T model", toStrip)
	}
	return nil, errors.WithMessagef(ErrInvalidInputType,
		"expected a models.Model or models.Layer, got %T", toStrip)
}

// stripStats accumulates what a Strip call did, reported at klog verbosity 1.
type stripStats struct {
	visited, stripped int
	paramsRemoved     int64
}

func (s *stripStats) log() {
	if s.stripped == 0 {
		return
	}
	klog.V(1).Infof("cqat.Strip: stripped %d of %d layers, removed %s auxiliary parameters",
		s.stripped, s.visited, humanize.Comma(s.paramsRemoved))
}

// cloneStripped rebuilds a composed model applying the per-layer transform to
// every layer.
func (s *stripStats) cloneStripped(m models.Composed) (models.Model, error) {
	return m.CloneWith(s.stripLayer)
}

// stripLayer is the per-layer transform threaded through the model rebuild.
//
// Nested models are rebuilt recursively. A quantization-aware wrapper around a
// non-depthwise convolution or dense layer has its kernel overwritten with the
// materialized clustered weights and its clustering variables removed. Any
// other layer is returned unmodified.
func (s *stripStats) stripLayer(layer models.Layer) (models.Layer, error) {
	if m, ok := layer.(models.Composed); ok {
		return s.cloneStripped(m)
	}
	if m, ok := layer.(models.Tracked); ok {
		for i, l := range m.TrackedLayers() {
			newLayer, err := s.stripLayer(l)
			if err != nil {
				return nil, err
			}
			m.ReplaceTrackedLayer(i, newLayer)
		}
		return m, nil
	}

	s.visited++
	w, ok := layer.(wrappedLayer)
	if !ok {
		return layer, nil
	}
	inner := w.Inner()
	if strings.Contains(inner.Name(), cluster.DepthwiseMarker) {
		return layer, nil
	}
	switch inner.(type) {
	case *models.Conv2D, *models.Dense:
		// Clustered layer kinds, proceed.
	default:
		return layer, nil
	}

	centroids := cluster.FindByRole(w.TrainableVariables(), cluster.RoleCentroids)
	indices := cluster.FindByRole(w.NonTrainableVariables(), cluster.RolePullingIndices)
	if centroids == nil || indices == nil {
		return nil, errors.WithMessagef(ErrMissingClusteringState,
			"layer %q has no centroid or index variable", w.Name())
	}
	kernel := cluster.FindByRole(w.Variables(), cluster.RoleKernel)
	if kernel == nil {
		return nil, errors.WithMessagef(ErrMissingClusteringState,
			"layer %q has no kernel to restore", w.Name())
	}
	kernel.SetValue(cluster.ClusteredWeights(indices.Value(), centroids.Value()))
	klog.V(2).Infof("cqat.Strip: restored kernel of layer %q from %d centroids", w.Name(),
		centroids.Size())

	s.paramsRemoved += int64(centroids.Size() + indices.Size())
	if ori := cluster.FindByRole(w.TrainableVariables(), cluster.RoleOriginalWeights); ori != nil {
		s.paramsRemoved += int64(ori.Size())
	}
	w.SetTrainableVariables(cluster.FilterOutRoles(w.TrainableVariables(),
		cluster.RoleCentroids, cluster.RoleOriginalWeights))
	w.SetNonTrainableVariables(cluster.FilterOutRoles(w.NonTrainableVariables(),
		cluster.RolePullingIndices))
	s.stripped++
	return w, nil
}
