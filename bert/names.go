package bert

import "fmt"

// Names of the model weights. They are "/" separated paths: all but the last element are the scope of the variable
// in the model context, the last element is the variable name.
const (
	EmbeddingDict  = "Embedding/Embedding_Dict"
	PositionalDict = "Embedding/Positional_Dict"
	SegmentDict    = "Embedding/Segment_Dict"
	EmbeddingGamma = "Embedding/Gamma"
	EmbeddingBeta  = "Embedding/Beta"

	LMPredictionW = "CLS/LMPredictionW"
	LMPredictionB = "CLS/LMPredictionB"
	CLSGamma      = "CLS/Gamma"
	CLSBeta       = "CLS/Beta"

	NSPPoolW = "NSP/PoolW"
	NSPPoolB = "NSP/PoolB"
	NSPW     = "NSP/W"
	NSPB     = "NSP/B"

	SquadW = "Squad/W"
	SquadB = "Squad/B"
)

// LayerName returns the name of a weight of the encoder layer.
//
// Example: LayerName(3, "Attention/QKV") returns "Layer3/Attention/QKV".
func LayerName(layer int, name string) string {
	return fmt.Sprintf("Layer%d/%s", layer, name)
}

// Names of the weights of each encoder layer, relative to the layer scope. See LayerName.
const (
	AttentionQKV   = "Attention/QKV"
	AttentionOut   = "Attention/Out"
	AttentionGamma = "Attention/Gamma"
	AttentionBeta  = "Attention/Beta"
	FF1W           = "FF/1/W"
	FF1B           = "FF/1/B"
	FF2W           = "FF/2/W"
	FF2B           = "FF/2/B"
	FFGamma        = "FF/Gamma"
	FFBeta         = "FF/Beta"
)

// Names of the input tensors fed to the model.
const (
	InputIndices   = "indices"
	InputPositions = "positions"
	InputSegments  = "segments"

	// Pretraining inputs.
	InputMaskTokensMaskIdx = "mask_tokens_mask_idx"
	InputSequenceMaskIdx   = "sequence_mask_idx"
	LabelMask              = "mask_labels"
	LabelNSP               = "nsp_labels"

	// SQuAD inputs.
	InputSeqPadIdx = "seq_pad_idx"
	LabelStart     = "start_labels"
	LabelEnd       = "end_labels"
)

// Ignore values of the labels: positions with these labels take no part in losses or accuracies.
const (
	MLMIgnoreIndex = 0
	NSPIgnoreIndex = 2
)

// InputNames returns the names of the non-label inputs of the model, in the order they are fed.
func InputNames(task TaskType) []string {
	names := []string{InputIndices, InputPositions, InputSegments}
	switch task {
	case Pretraining:
		names = append(names, InputMaskTokensMaskIdx, InputSequenceMaskIdx)
	case Squad:
		names = append(names, InputSeqPadIdx)
	}
	return names
}

// LabelNames returns the names of the label inputs of the model. There are no labels for SQuAD inference.
func LabelNames(task TaskType, inference bool) []string {
	switch task {
	case Pretraining:
		return []string{LabelMask, LabelNSP}
	case Squad:
		if inference {
			return nil
		}
		return []string{LabelStart, LabelEnd}
	}
	return nil
}

// Names of the outputs of the model. Losses are per position (not reduced), predictions are the arg-max of the
// logits.
const (
	OutputMLMLoss        = "MLM/loss"
	OutputMLMPredictions = "MLM/predictions"
	OutputNSPLoss        = "NSP/loss"
	OutputNSPPredictions = "NSP/predictions"

	OutputStartLoss        = "start/loss"
	OutputStartPredictions = "start/predictions"
	OutputEndLoss          = "end/loss"
	OutputEndPredictions   = "end/predictions"

	// SQuAD inference outputs.
	OutputStartLogits = "start/logits"
	OutputEndLogits   = "end/logits"
)

// ObjectiveOutputs names the label input and the outputs of one objective of the model.
type ObjectiveOutputs struct {
	Label, Loss, Predictions string
}

// Objectives returns the objectives of the task: MLM and NSP for Pretraining, start and end positions for Squad.
func Objectives(task TaskType) []ObjectiveOutputs {
	switch task {
	case Pretraining:
		return []ObjectiveOutputs{
			{Label: LabelMask, Loss: OutputMLMLoss, Predictions: OutputMLMPredictions},
			{Label: LabelNSP, Loss: OutputNSPLoss, Predictions: OutputNSPPredictions},
		}
	case Squad:
		return []ObjectiveOutputs{
			{Label: LabelStart, Loss: OutputStartLoss, Predictions: OutputStartPredictions},
			{Label: LabelEnd, Loss: OutputEndLoss, Predictions: OutputEndPredictions},
		}
	}
	return nil
}

// OutputNames returns the names of the outputs of the model, in a fixed order.
//
// Pretraining outputs the losses and predictions of its objectives, also for inference since its labels are always
// given. SQuAD outputs the losses and predictions for training and the start and end logits for inference.
func OutputNames(task TaskType, inference bool) []string {
	if task == Squad && inference {
		return []string{OutputStartLogits, OutputEndLogits}
	}
	var names []string
	for _, objective := range Objectives(task) {
		names = append(names, objective.Loss, objective.Predictions)
	}
	return names
}
