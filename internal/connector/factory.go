package connector

import (
	"fmt"

	"github.com/hitoshi/morningpaper/internal/model"
)

// Factory はソース種別からコネクタを解決する。
// 登録可能な種別は model.SourceTypes() に限られる。
type Factory struct {
	connectors map[model.SourceType]Connector
}

// NewFactory はコネクタを登録したFactoryを生成する。
// 未対応の種別や同一種別の重複登録はエラーとなる。
func NewFactory(conns ...Connector) (*Factory, error) {
	f := &Factory{connectors: make(map[model.SourceType]Connector, len(conns))}
	for _, c := range conns {
		t := c.Type()
		if !t.Valid() {
			return nil, fmt.Errorf("unsupported connector type: %q", t)
		}
		if _, dup := f.connectors[t]; dup {
			return nil, fmt.Errorf("connector already registered: %s", t)
		}
		f.connectors[t] = c
	}
	return f, nil
}

// Resolve は種別に対応するコネクタを返す。
func (f *Factory) Resolve(t model.SourceType) (Connector, error) {
	c, ok := f.connectors[t]
	if !ok {
		return nil, model.NewInvalidSourceTypeError(string(t))
	}
	return c, nil
}

// Types は登録済みの種別を返す。
func (f *Factory) Types() []model.SourceType {
	var out []model.SourceType
	for _, t := range model.SourceTypes() {
		if _, ok := f.connectors[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
