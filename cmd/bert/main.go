// bert trains BERT for GoMLX, or runs inference with it: pretraining (masked language model and next sentence
// prediction) or SQuAD question answering.
//
// Training is followed by a validation run over the validation files, unless -no-validation is given.
// Logging is configured with klog flags (e.g. -v=1 for more details).
package main

import (
	"flag"
	"fmt"
	"github.com/gomlx/bert/options"
	"github.com/gomlx/bert/runner"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
)

func main() {
	klog.InitFlags(nil)
	optionsFlags := options.RegisterFlags(flag.CommandLine)
	flag.Parse()
	defer klog.Flush()

	opts, err := optionsFlags.Options()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid options: %v\n", err)
		os.Exit(2)
	}

	klog.Info("Program Start")
	var summaries []*summary
	panicErr := exceptions.TryCatch[error](func() { summaries, err = run(opts) })
	if panicErr != nil {
		err = panicErr
	}
	if len(summaries) > 0 {
		fmt.Println(renderSummaries(summaries))
	}
	if errors.Is(err, runner.ErrProfiled) {
		klog.Infof("Profile written to %s", opts.ProfileDir)
		return
	}
	if err != nil {
		klog.Flush()
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v\n", err)
		os.Exit(1)
	}
	klog.Info("Program Finished")
}

// run the training (followed by validation) or the inference configured by opts.
func run(opts *options.Options) (summaries []*summary, err error) {
	if opts.Inference || !opts.NoTraining {
		var s *summary
		s, err = runMain(opts)
		if s != nil {
			summaries = append(summaries, s)
		}
		if err != nil {
			return
		}
	}
	if !opts.Inference && !opts.NoValidation {
		klog.Info("Doing Validation")
		var s *summary
		s, err = runMain(options.ValidationOptions(opts))
		if s != nil {
			s.Name = "Validation"
			summaries = append(summaries, s)
		}
	}
	return
}
