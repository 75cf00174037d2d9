package esmdev

import (
	"net/http"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/glromeo/codebite-sub000/tools/webmod/common"
)

// cssModuleTemplate wraps a stylesheet in a module that installs it as a
// <style> tag, replacing an earlier copy of the same file.
const cssModuleTemplate = `const __file = %q;
let s = document.querySelector('style[data-file="' + __file + '"]');
if (!s) { s = document.createElement('style'); s.dataset.file = __file; document.head.appendChild(s); }
s.textContent = %s;
export default s.textContent;
`

// assetModuleTemplate exports the URL of an asset.
const assetModuleTemplate = `export default %q;
`

// valueModuleTemplate exports a JSON value or a JSON-encoded text file.
const valueModuleTemplate = `export default %s;
`

// moduleMarker is the query value that asks for a non-script file as a module.
const moduleMarker = "module"

// wantsModule reports whether the browser is importing the file from script,
// either through the ?type=module marker recorded in the import map or the
// Sec-Fetch-Dest header of an import statement.
func wantsModule(r *http.Request) bool {
	return r.URL.Query().Get("type") == moduleMarker || r.Header.Get("Sec-Fetch-Dest") == "script"
}

// wrappable reports whether files with ext are served through a module wrapper.
func wrappable(ext string) bool {
	switch common.Loaders[ext] {
	case api.LoaderCSS, api.LoaderJSON, api.LoaderText, api.LoaderFile:
		return true
	}
	return false
}

// isAssetExt reports whether the extension is a known asset type.
func isAssetExt(ext string) bool {
	return common.Loaders[ext] == api.LoaderFile
}
