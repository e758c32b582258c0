package log

import "github.com/sirupsen/logrus"

// RemoveHook drops every hook of type H from logger.
func RemoveHook[H logrus.Hook](logger *logrus.Logger) {
	kept := make(logrus.LevelHooks)
	for level, hooks := range logger.Hooks {
		for _, hook := range hooks {
			if _, ok := hook.(H); !ok {
				kept[level] = append(kept[level], hook)
			}
		}
	}
	logger.ReplaceHooks(kept)
}
