package weights

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// MetadataEntry holds information about one tensor of a weights file.
type MetadataEntry struct {
	Name  string
	Shape shapes.Shape
}

// metadataRecord decodes only the description of a record: the data fields are skipped.
type metadataRecord struct {
	Name  string `msgpack:"name"`
	DType string `msgpack:"dtype"`
	Dims  []int  `msgpack:"dims"`
}

var dtypeByName = map[string]dtypes.DType{
	dtypes.Float32.String(): dtypes.Float32,
	dtypes.Float16.String(): dtypes.Float16,
	dtypes.Int32.String():   dtypes.Int32,
}

// ReadMetadata returns the name and shape of each tensor in the weights file, in the order they were saved.
func ReadMetadata(filePath string) ([]MetadataEntry, error) {
	var entries []MetadataEntry
	err := decode(filePath, func(r *metadataRecord) error {
		dtype, found := dtypeByName[r.DType]
		if !found {
			return errors.Errorf("weight %q has unsupported dtype %q", r.Name, r.DType)
		}
		entries = append(entries, MetadataEntry{Name: r.Name, Shape: shapes.Make(dtype, r.Dims...)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
