package options

import (
	"flag"
	"fmt"
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/optimizer"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"os"
	"strings"
)

// ConfigFlag is the name of the flag with the path to the YAML options file.
const ConfigFlag = "config"

// Flags holds the values of the command-line flags registered by RegisterFlags.
type Flags struct {
	fs *flag.FlagSet

	configFile *string

	task, executionMode, dtype, customOps                         *string
	batchSize, sequenceLength, maskTokens, vocabLength, hiddenSize *int
	ffSize, attentionHeads, numLayers, layersPerIPU                *int
	bertConfig                                                     *string

	inference, noTraining, noValidation *bool
	epochs, continueFromEpoch           *int
	batchesPerStep, gradAccumulation    *int
	replicationFactor                   *int
	stepsPerLog, stepsPerSave           *int
	epochsPerSave, aggregateMetrics     *int

	learningRate, momentum, dampening, weightDecay, lossScaling *float64
	optimizerKind, lrScheduleByStep, lrScheduleByEpoch          *string
	warmupSteps                                                 *int

	checkpointDir, logDir, tfCheckpoint, weightsCheckpoint *string
	noModelSave, syntheticData                             *bool
	syntheticSteps                                         *int
	lowLatency, realtime, hwCycles, profile, progress      *bool
	profileDir, inputFiles, validationFiles, squadResults  *string
	seed                                                   *int64
}

// RegisterFlags defines the flags of a BERT run in fs. Default values follow BERT-Base.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	c := bert.DefaultConfig()
	f := &Flags{fs: fs}
	f.configFile = fs.String(ConfigFlag, "", "YAML file with option values, keyed by flag name. "+
		"Flags given in the command line take precedence.")

	// Model.
	f.task = fs.String("task", c.Task.String(), "Task to train or run: PRETRAINING or SQUAD.")
	f.executionMode = fs.String("execution-mode", c.ExecutionMode.String(), "Execution mode: DEFAULT or PIPELINE.")
	f.dtype = fs.String("dtype", "float32", "Precision of the model weights and activations: float32 or float16.")
	f.customOps = fs.String("custom-ops", strings.Join(c.CustomOps, ","),
		"Comma separated custom ops to use: gather (transposed embedding tables) and attention.")
	f.batchSize = fs.Int("batch-size", c.BatchSize, "Number of sequences per micro-batch.")
	f.sequenceLength = fs.Int("sequence-length", c.SequenceLength, "Length of the sequences.")
	f.maskTokens = fs.Int("mask-tokens", c.MaskTokens, "Number of masked tokens per sequence, for PRETRAINING.")
	f.vocabLength = fs.Int("vocab-length", c.VocabLength, "Size of the vocabulary.")
	f.hiddenSize = fs.Int("hidden-size", c.HiddenSize, "Size of the hidden state (embeddings).")
	f.ffSize = fs.Int("ff-size", c.FFSize, "Size of the feed-forward intermediate layer.")
	f.attentionHeads = fs.Int("attention-heads", c.AttentionHeads, "Number of attention heads.")
	f.numLayers = fs.Int("num-layers", c.NumLayers, "Number of encoder layers.")
	f.layersPerIPU = fs.Int("layers-per-ipu", c.LayersPerIPU, "Number of encoder layers placed on each device.")
	f.bertConfig = fs.String("bert-config", "",
		"Google Research's bert_config.json: if set, model sizes are read from it.")

	// Run.
	f.inference = fs.Bool("inference", false, "Run inference instead of training.")
	f.noTraining = fs.Bool("no-training", false, "Skip training, only validate.")
	f.noValidation = fs.Bool("no-validation", false, "Skip the validation after training.")
	f.epochs = fs.Int("epochs", 1, "Number of epochs. With synthetic-data inference, number of repeats.")
	f.continueFromEpoch = fs.Int("continue-training-from-epoch", 0, "Epoch to resume training from.")
	f.batchesPerStep = fs.Int("batches-per-step", 1, "Number of micro-batches processed in each step.")
	f.gradAccumulation = fs.Int("gradient-accumulation-factor", 1, "Number of micro-batches accumulated per update.")
	f.replicationFactor = fs.Int("replication-factor", 1, "Number of replicas of the model.")
	f.stepsPerLog = fs.Int("steps-per-log", 1, "Log the metrics every n steps.")
	f.stepsPerSave = fs.Int("steps-per-save", 0, "Save the weights every n steps. 0 disables it.")
	f.epochsPerSave = fs.Int("epochs-per-save", 1, "Save the weights every n epochs. 0 disables it.")
	f.aggregateMetrics = fs.Int("aggregate-metrics-over-steps", 0,
		"Number of steps the reported metrics are averaged over. 0 uses the number of steps per epoch.")

	// Optimizer.
	f.optimizerKind = fs.String("optimizer", "SGD", "Optimizer: SGD or ADAM.")
	f.learningRate = fs.Float64("learning-rate", 0.0008, "Learning rate.")
	f.momentum = fs.Float64("momentum", 0.984375, "Momentum of the SGD optimizer.")
	f.dampening = fs.Float64("dampening", 0, "Dampening of the SGD momentum.")
	f.weightDecay = fs.Float64("weight-decay", 0, "Weight decay.")
	f.lossScaling = fs.Float64("loss-scaling", 4, "Loss scaling factor, used with float16.")
	f.lrScheduleByStep = fs.String("lr-schedule-by-step", "",
		`Learning rate schedule by step, e.g. "0:1e-4,1000:1e-3".`)
	f.lrScheduleByEpoch = fs.String("lr-schedule-by-epoch", "", `Learning rate schedule by epoch, e.g. "0:1e-3,2:1e-4".`)
	f.warmupSteps = fs.Int("warmup-steps", 0, "Number of steps of linear learning rate warm-up.")

	// Files and devices.
	f.checkpointDir = fs.String("checkpoint-dir", "ckpts", "Directory where the weights are saved.")
	f.logDir = fs.String("log-dir", "logs", "Directory where the metrics are written.")
	f.tfCheckpoint = fs.String("tf-checkpoint", "", "Initial weights from a checkpoint with TensorFlow names (.safetensors).")
	f.weightsCheckpoint = fs.String("weights-checkpoint", "", "Initial weights from a weights file saved by training.")
	f.noModelSave = fs.Bool("no-model-save", false, "Don't save the weights.")
	f.syntheticData = fs.Bool("synthetic-data", false, "Use randomly generated data.")
	f.syntheticSteps = fs.Int("synthetic-steps", 10, "Number of steps per epoch of the synthetic data.")
	f.lowLatency = fs.Bool("low-latency-inference", false,
		"Measure per-sample latency with input and output callbacks, for SQUAD inference.")
	f.realtime = fs.Bool("realtime-scheduler", false, "Use a real-time scheduling policy during inference (Linux).")
	f.hwCycles = fs.Bool("report-hw-cycle-count", false, "Report the device cycle count of each step.")
	f.profile = fs.Bool("profile", false, "Write a report of the compiled program to profile-dir after the first step and exit.")
	f.profileDir = fs.String("profile-dir", "", "Directory of the profile reports.")
	f.seed = fs.Int64("seed", 1984, "Random seed.")
	f.inputFiles = fs.String("input-files", "", "Comma separated data files (JSON lines of tokenized examples).")
	f.validationFiles = fs.String("validation-files", "", "Comma separated data files used for validation.")
	f.squadResults = fs.String("squad-results-dir", "squad_results", "Directory where the SQUAD inference logits are written.")
	f.progress = fs.Bool("progress", false, "Display a progress bar.")
	return f
}

// applyConfigFile sets the flags not given in the command line from the YAML file at configPath.
// The file is a map of flag names to values; lists are joined with commas.
func applyConfigFile(fs *flag.FlagSet, configPath string) error {
	contents, err := os.ReadFile(data.ReplaceTildeInDir(configPath))
	if err != nil {
		return errors.Wrapf(err, "failed to read options file %q", configPath)
	}
	var values map[string]any
	if err = yaml.Unmarshal(contents, &values); err != nil {
		return errors.Wrapf(err, "failed to parse options file %q", configPath)
	}
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	for name, value := range values {
		if name == ConfigFlag {
			return errors.Errorf("options file %q can't set %q", configPath, ConfigFlag)
		}
		if fs.Lookup(name) == nil {
			return errors.Errorf("options file %q sets unknown flag %q", configPath, name)
		}
		if explicit[name] {
			continue
		}
		if err = fs.Set(name, yamlValueToString(value)); err != nil {
			return errors.Wrapf(err, "options file %q: invalid value for %q", configPath, name)
		}
	}
	return nil
}

func yamlValueToString(value any) string {
	if list, ok := value.([]any); ok {
		parts := make([]string, len(list))
		for ii, v := range list {
			parts[ii] = fmt.Sprint(v)
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(value)
}

func splitList(s string) []string {
	var parts []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func parseDType(s string) (dtypes.DType, error) {
	switch strings.ToLower(s) {
	case "float32", "f32", "fp32":
		return dtypes.Float32, nil
	case "float16", "f16", "fp16", "half":
		return dtypes.Float16, nil
	}
	return dtypes.InvalidDType, errors.Errorf("invalid dtype %q, valid values are float32 or float16", s)
}

// Options creates the options record from the parsed flags, after applying the options file (if given),
// and validates it.
func (f *Flags) Options() (*Options, error) {
	if *f.configFile != "" {
		if err := applyConfigFile(f.fs, *f.configFile); err != nil {
			return nil, err
		}
	}

	var c *bert.Config
	var err error
	if *f.bertConfig != "" {
		if c, err = bert.LoadTFConfig(*f.bertConfig); err != nil {
			return nil, err
		}
		c.SequenceLength = *f.sequenceLength
		c.BatchSize = *f.batchSize
	} else {
		c = bert.DefaultConfig()
		c.BatchSize = *f.batchSize
		c.SequenceLength = *f.sequenceLength
		c.VocabLength = *f.vocabLength
		c.HiddenSize = *f.hiddenSize
		c.FFSize = *f.ffSize
		c.AttentionHeads = *f.attentionHeads
		c.NumLayers = *f.numLayers
		c.CustomOps = splitList(*f.customOps)
	}
	c.MaskTokens = *f.maskTokens
	c.LayersPerIPU = *f.layersPerIPU
	if c.Task, err = bert.ParseTaskType(*f.task); err != nil {
		return nil, err
	}
	if c.ExecutionMode, err = bert.ParseExecutionMode(*f.executionMode); err != nil {
		return nil, err
	}
	if c.DType, err = parseDType(*f.dtype); err != nil {
		return nil, err
	}
	c.NoDropout = c.NoDropout || *f.inference

	o := &Options{
		Config:                     *c,
		Inference:                  *f.inference,
		NoTraining:                 *f.noTraining,
		NoValidation:               *f.noValidation,
		Epochs:                     *f.epochs,
		ContinueTrainingFromEpoch:  *f.continueFromEpoch,
		BatchesPerStep:             *f.batchesPerStep,
		GradientAccumulationFactor: *f.gradAccumulation,
		ReplicationFactor:          *f.replicationFactor,
		StepsPerLog:                *f.stepsPerLog,
		StepsPerSave:               *f.stepsPerSave,
		EpochsPerSave:              *f.epochsPerSave,
		AggregateMetricsOverSteps:  *f.aggregateMetrics,
		Optimizer: optimizer.Options{
			LearningRate: *f.learningRate,
			Momentum:     *f.momentum,
			Dampening:    *f.dampening,
			WeightDecay:  *f.weightDecay,
			LossScaling:  *f.lossScaling,
			WarmupSteps:  *f.warmupSteps,
		},
		CheckpointDir:       data.ReplaceTildeInDir(*f.checkpointDir),
		LogDir:              data.ReplaceTildeInDir(*f.logDir),
		TFCheckpoint:        data.ReplaceTildeInDir(*f.tfCheckpoint),
		WeightsCheckpoint:   data.ReplaceTildeInDir(*f.weightsCheckpoint),
		NoModelSave:         *f.noModelSave,
		SyntheticData:       *f.syntheticData,
		SyntheticSteps:      *f.syntheticSteps,
		LowLatencyInference: *f.lowLatency,
		RealtimeScheduler:   *f.realtime,
		ReportHWCycleCount:  *f.hwCycles,
		Profile:             *f.profile,
		ProfileDir:          data.ReplaceTildeInDir(*f.profileDir),
		Seed:                *f.seed,
		InputFiles:          xslices.Map(splitList(*f.inputFiles), data.ReplaceTildeInDir),
		ValidationFiles:     xslices.Map(splitList(*f.validationFiles), data.ReplaceTildeInDir),
		SquadResultsDir:     data.ReplaceTildeInDir(*f.squadResults),
		Progress:            *f.progress,
	}
	if o.Optimizer.Kind, err = optimizer.ParseKind(*f.optimizerKind); err != nil {
		return nil, err
	}
	switch {
	case *f.lrScheduleByStep != "" && *f.lrScheduleByEpoch != "":
		return nil, errors.New("only one of lr-schedule-by-step and lr-schedule-by-epoch can be given")
	case *f.lrScheduleByStep != "":
		o.Optimizer.Schedule, err = optimizer.ParseSchedule(optimizer.StepMode, *f.lrScheduleByStep)
	case *f.lrScheduleByEpoch != "":
		o.Optimizer.Schedule, err = optimizer.ParseSchedule(optimizer.EpochMode, *f.lrScheduleByEpoch)
	}
	if err != nil {
		return nil, err
	}
	if err = o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}
