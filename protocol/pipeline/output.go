package pipeline

import (
	"github.com/maxpert/shardkeeper/errs"
	"go.mongodb.org/mongo-driver/bson"
)

// $merge modes.
const (
	WhenMatchedMerge        = "merge"
	WhenMatchedReplace      = "replace"
	WhenMatchedKeepExisting = "keepExisting"
	WhenMatchedFail         = "fail"

	WhenNotMatchedInsert  = "insert"
	WhenNotMatchedDiscard = "discard"
	WhenNotMatchedFail    = "fail"
)

// OutputSpec is the parsed target of a $merge or $out stage. DB is empty
// when the stage names only a collection.
type OutputSpec struct {
	Stage          string
	DB             string
	Coll           string
	On             []string
	WhenMatched    string
	WhenNotMatched string
}

// ParseOutput reads a trailing $merge or $out stage.
func ParseOutput(stage bson.D) (OutputSpec, error) {
	name, arg, err := Name(stage)
	if err != nil {
		return OutputSpec{}, err
	}
	out := OutputSpec{
		Stage:          name,
		On:             []string{"_id"},
		WhenMatched:    WhenMatchedMerge,
		WhenNotMatched: WhenNotMatchedInsert,
	}
	switch name {
	case Out:
		if err := out.target(arg); err != nil {
			return OutputSpec{}, err
		}
		return out, nil
	case Merge:
		if coll, ok := arg.(string); ok {
			out.Coll = coll
			return out, out.validate()
		}
		spec, ok := asDoc(arg)
		if !ok {
			return OutputSpec{}, errs.New(errs.BadValue, "$merge needs a collection name or document")
		}
		into, _ := field(spec, "into")
		if err := out.target(into); err != nil {
			return OutputSpec{}, err
		}
		if on, ok := field(spec, "on"); ok {
			switch v := on.(type) {
			case string:
				out.On = []string{v}
			case bson.A:
				out.On = out.On[:0]
				for _, f := range v {
					s, ok := f.(string)
					if !ok {
						return OutputSpec{}, errs.New(errs.BadValue, "$merge.on must list field paths")
					}
					out.On = append(out.On, s)
				}
			default:
				return OutputSpec{}, errs.New(errs.BadValue, "$merge.on must be a string or array")
			}
		}
		if s, err := stringField(spec, "whenMatched"); err == nil {
			out.WhenMatched = s
		}
		if s, err := stringField(spec, "whenNotMatched"); err == nil {
			out.WhenNotMatched = s
		}
		return out, out.validate()
	}
	return OutputSpec{}, errs.Newf(errs.BadValue, "%s is not an output stage", name)
}

func (o *OutputSpec) target(v any) error {
	if coll, ok := v.(string); ok && coll != "" {
		o.Coll = coll
		return nil
	}
	spec, ok := asDoc(v)
	if !ok {
		return errs.Newf(errs.BadValue, "%s needs a target collection", o.Stage)
	}
	coll, err := stringField(spec, "coll")
	if err != nil {
		return err
	}
	o.Coll = coll
	if db, err := stringField(spec, "db"); err == nil {
		o.DB = db
	}
	return nil
}

func (o OutputSpec) validate() error {
	switch o.WhenMatched {
	case WhenMatchedMerge, WhenMatchedReplace, WhenMatchedKeepExisting, WhenMatchedFail:
	default:
		return errs.Newf(errs.BadValue, "unsupported whenMatched %q", o.WhenMatched)
	}
	switch o.WhenNotMatched {
	case WhenNotMatchedInsert, WhenNotMatchedDiscard, WhenNotMatchedFail:
	default:
		return errs.Newf(errs.BadValue, "unsupported whenNotMatched %q", o.WhenNotMatched)
	}
	if len(o.On) == 0 {
		return errs.New(errs.BadValue, "$merge.on must not be empty")
	}
	return nil
}
