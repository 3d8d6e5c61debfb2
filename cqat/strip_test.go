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

package cqat

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/modeloptim/cluster"
	"github.com/gomlx/modeloptim/models"
	"github.com/gomlx/modeloptim/quantize"
	"github.com/stretchr/testify/require"
)

// clusteredDense builds a quantization-aware wrapper around a 2x2 dense layer
// carrying CQAT clustering state: centroids [10, 20, 30] and indices
// [[0, 1], [2, 0]]. After stripping, the kernel must be [[10, 20], [30, 10]].
func clusteredDense(t *testing.T, name string) *quantize.Wrapper {
	dense := models.NewDense(name, tensors.FromValue([][]float32{{1, 2}, {3, 4}}), nil)
	w := quantize.Wrap(dense)
	require.NoError(t, cluster.AttachClusteringState(w,
		tensors.FromValue([]float32{10, 20, 30}),
		tensors.FromValue([][]int32{{0, 1}, {2, 0}})))
	return w
}

func expectedDenseKernel() *tensors.Tensor {
	return tensors.FromValue([][]float32{{10, 20}, {30, 10}})
}

// requireStripped asserts w's kernel was restored from its clustering state
// and that no clustering variable remains anywhere in its weight list.
func requireStripped(t *testing.T, w *quantize.Wrapper, wantKernel *tensors.Tensor) {
	kernel := cluster.FindByRole(w.Variables(), cluster.RoleKernel)
	require.NotNil(t, kernel)
	require.True(t, kernel.Value().Equal(wantKernel),
		"kernel is %s, want %s", kernel.Value(), wantKernel)
	for _, role := range []cluster.VariableRole{
		cluster.RoleCentroids, cluster.RolePullingIndices, cluster.RoleOriginalWeights,
	} {
		require.Nilf(t, cluster.FindByRole(w.Variables(), role),
			"variable with role %s still present after strip", role)
	}
}

// foreignModel implements models.Model without being composed, tracked or any
// other construction Strip knows how to traverse.
type foreignModel struct {
	models.LayerState
}

func (m *foreignModel) Layers() []models.Layer { return nil }

func TestClassify(t *testing.T) {
	dense := models.NewDense("dense0", tensors.FromValue([][]float32{{1, 2}, {3, 4}}), nil)

	require.Equal(t, kindComposed, classify(models.NewSequential("model0", dense)))
	require.Equal(t, kindComposed, classify(models.NewGraph("graph0", 1)))
	require.Equal(t, kindBareLayer, classify(dense))
	require.Equal(t, kindBareLayer, classify(quantize.Wrap(dense)))

	sub := models.MakeSubclassed("sub0")
	require.Equal(t, kindSubclassed, classify(&sub))

	require.Equal(t, kindUnknown, classify(&foreignModel{LayerState: models.MakeLayerState("foreign0")}))
	require.Equal(t, kindInvalid, classify(42))
	require.Equal(t, kindInvalid, classify(nil))
}

func TestStripBareWrapper(t *testing.T) {
	w := clusteredDense(t, "dense0")
	preservedVars := []*models.Variable{} // Quantization bookkeeping that must survive.
	for _, v := range w.NonTrainableVariables() {
		if !cluster.Matches(v, cluster.RolePullingIndices) {
			preservedVars = append(preservedVars, v)
		}
	}

	got, err := Strip(w)
	require.NoError(t, err)
	// A bare layer is mutated in place, not cloned.
	require.Same(t, models.Layer(w), got)
	requireStripped(t, w, expectedDenseKernel())

	// The wrapper's quantization range state survives, same variable objects.
	require.Equal(t, preservedVars, w.NonTrainableVariables())

	// A second strip finds no clustering state: the model was already
	// stripped.
	_, err = Strip(w)
	require.ErrorIs(t, err, ErrMissingClusteringState)
}

func TestStripSequential(t *testing.T) {
	w := clusteredDense(t, "dense0")
	activation := models.NewActivation("relu0", "relu")
	m := models.NewSequential("model0", w, activation)

	got, err := Strip(m)
	require.NoError(t, err)

	// The model is rebuilt with identical topology over the same layer
	// objects.
	stripped := got.(*models.Sequential)
	require.NotSame(t, m, stripped)
	require.Equal(t, []models.Layer{w, activation}, stripped.Layers())
	requireStripped(t, w, expectedDenseKernel())

	// The activation layer is passed through with zero variables, as before.
	require.Empty(t, activation.Variables())

	// No clustering variable is left anywhere in the model.
	for _, role := range []cluster.VariableRole{
		cluster.RoleCentroids, cluster.RolePullingIndices, cluster.RoleOriginalWeights,
	} {
		require.Nil(t, cluster.FindByRole(stripped.Variables(), role))
	}
}

func TestStripGraph(t *testing.T) {
	w := clusteredDense(t, "dense0")
	activation := models.NewActivation("relu0", "relu")
	m := models.NewGraph("graph0", 1)
	id0 := m.AddLayer(w, 0)
	id1 := m.AddLayer(activation, id0)
	m.SetOutputs(id1)

	got, err := Strip(m)
	require.NoError(t, err)

	stripped := got.(*models.Graph)
	require.Equal(t, []models.Layer{w, activation}, stripped.Layers())
	require.Equal(t, []int{1}, stripped.LayerInputs(1))
	require.Equal(t, []int{2}, stripped.Outputs())
	requireStripped(t, w, expectedDenseKernel())
}

func TestStripSubclassed(t *testing.T) {
	type imperativeModel struct {
		models.Subclassed
	}
	m := &imperativeModel{Subclassed: models.MakeSubclassed("imperative0")}
	w := models.Track(&m.Subclassed, clusteredDense(t, "dense0"))
	models.Track(&m.Subclassed, models.NewActivation("relu0", "relu"))

	got, err := Strip(m)
	require.NoError(t, err)
	// The subclassed model is returned itself, its tracked layers replaced in
	// place.
	require.Same(t, models.Layer(m), got)
	require.Same(t, models.Layer(w), m.TrackedLayers()[0])
	requireStripped(t, w, expectedDenseKernel())
}

func TestStripNestedModel(t *testing.T) {
	w := clusteredDense(t, "dense0")
	inner := models.NewSequential("inner0", w, models.NewActivation("relu0", "relu"))
	outer := models.NewSequential("outer0", inner, models.NewActivation("softmax0", "softmax"))

	got, err := Strip(outer)
	require.NoError(t, err)

	stripped := got.(*models.Sequential)
	// The nested model was rebuilt too.
	innerStripped := stripped.Layers()[0].(*models.Sequential)
	require.NotSame(t, inner, innerStripped)
	require.Equal(t, "inner0", innerStripped.Name())
	require.Same(t, models.Layer(w), innerStripped.Layers()[0])
	requireStripped(t, w, expectedDenseKernel())
}

func TestStripConv2D(t *testing.T) {
	conv := models.NewConv2D("conv0",
		tensors.FromFlatDataAndDimensions(make([]float32, 2*2*1*2), 2, 2, 1, 2), nil)
	w := quantize.Wrap(conv)
	require.NoError(t, cluster.AttachClusteringState(w,
		tensors.FromValue([]float32{-1, 0, 1}),
		tensors.FromFlatDataAndDimensions([]int32{0, 1, 2, 1, 2, 0, 0, 2}, 2, 2, 1, 2)))

	_, err := Strip(w)
	require.NoError(t, err)
	want := tensors.FromFlatDataAndDimensions([]float32{-1, 0, 1, 0, 1, -1, -1, 1}, 2, 2, 1, 2)
	requireStripped(t, w, want)
}

func TestStripPassThrough(t *testing.T) {
	// A wrapped depthwise convolution is excluded from stripping.
	depthwise := models.NewDepthwiseConv2D("depthwise_conv0",
		tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2, 1, 1))
	wDepthwise := quantize.Wrap(depthwise)

	// So is a regular convolution whose name carries the depthwise marker.
	conv := models.NewConv2D("conv_depthwise_like",
		tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2, 1, 1), nil)
	wConv := quantize.Wrap(conv)

	// And any unwrapped layer.
	activation := models.NewActivation("relu0", "relu")

	for _, layer := range []models.Layer{wDepthwise, wConv, activation} {
		varsBefore := layer.Variables()
		valuesBefore := make([]*tensors.Tensor, len(varsBefore))
		for i, v := range varsBefore {
			valuesBefore[i] = v.Value()
		}

		got, err := Strip(layer)
		require.NoError(t, err)
		require.Same(t, layer, got)
		varsAfter := layer.Variables()
		require.Len(t, varsAfter, len(varsBefore))
		for i, v := range varsAfter {
			require.Same(t, varsBefore[i], v)
			require.Same(t, valuesBefore[i], v.Value())
		}
	}
}

func TestStripErrors(t *testing.T) {
	_, err := Strip(42)
	require.ErrorIs(t, err, ErrInvalidInputType)
	_, err = Strip(nil)
	require.ErrorIs(t, err, ErrInvalidInputType)

	_, err = Strip(&foreignModel{LayerState: models.MakeLayerState("foreign0")})
	require.ErrorIs(t, err, ErrUnsupportedInputType)

	// A wrapped dense layer without clustering state cannot be stripped.
	dense := models.NewDense("dense0", tensors.FromValue([][]float32{{1, 2}, {3, 4}}), nil)
	_, err = Strip(quantize.Wrap(dense))
	require.ErrorIs(t, err, ErrMissingClusteringState)

	// Same if only the centroids went missing.
	w := clusteredDense(t, "dense1")
	w.SetTrainableVariables(cluster.FilterOutRoles(w.TrainableVariables(), cluster.RoleCentroids))
	_, err = Strip(w)
	require.ErrorIs(t, err, ErrMissingClusteringState)

	// Inside a composed model the error is propagated with the model context.
	_, err = Strip(models.NewSequential("model0", quantize.Wrap(
		models.NewDense("dense2", tensors.FromValue([][]float32{{1, 2}, {3, 4}}), nil))))
	require.ErrorIs(t, err, ErrMissingClusteringState)
}
