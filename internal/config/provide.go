package config

import "github.com/samber/do"

func Provide(i *do.Injector, cfg Config) {
	do.ProvideValue(i, cfg)
}
