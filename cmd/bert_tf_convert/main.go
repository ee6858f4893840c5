// bert_tf_convert converts a BERT checkpoint with Google Research's TensorFlow names (in ".safetensors" format) to
// the weights file read by bert's -weights-checkpoint flag.
//
// The model sizes are read from the checkpoint's bert_config.json.
package main

import (
	"flag"
	"fmt"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/tfimport"
	"github.com/gomlx/bert/weights"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
	"os"
)

var (
	flagTFCheckpoint = flag.String("tf-checkpoint", "", "Checkpoint with TensorFlow names (.safetensors).")
	flagBertConfig   = flag.String("bert-config", "", "Google Research's bert_config.json of the checkpoint.")
	flagOutput       = flag.String("output", "model.ckpt", "Weights file to write.")
	flagTask         = flag.String("task", "PRETRAINING", "Task of the model: PRETRAINING or SQUAD.")
	flagSequence     = flag.Int("sequence-length", 0, "Length of the sequences of the model. If 0, the maximum positions of the config.")
)

func convert() {
	config := must.M1(bert.LoadTFConfig(*flagBertConfig))
	config.Task = must.M1(bert.ParseTaskType(*flagTask))
	if *flagSequence > 0 {
		config.SequenceLength = *flagSequence
	}
	must.M(config.Validate())
	initializers := must.M1(tfimport.LoadInitializers(*flagTFCheckpoint, config))
	n := must.M1(weights.Save(*flagOutput, initializers))
	fmt.Printf("Converted %d weights (%s) to %s\n", initializers.NumLeaves(), humanize.Bytes(uint64(n)), *flagOutput)
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()
	if *flagTFCheckpoint == "" || *flagBertConfig == "" {
		fmt.Fprintln(os.Stderr, "Both -tf-checkpoint and -bert-config are required.")
		flag.Usage()
		os.Exit(2)
	}
	if err := exceptions.TryCatch[error](convert); err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v\n", err)
		os.Exit(1)
	}
}
