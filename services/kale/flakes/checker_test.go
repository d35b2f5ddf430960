// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flakes

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kale/services/kale/pyast"
)

func TestUndefinedNames(t *testing.T) {
	tests := []struct {
		name string
		code string
		want []string
	}{
		{"free in function", "def foo():\n    print(x)\n", []string{"x"}},
		{"bound before function runs", "x = 5\ndef foo():\n    print(x)\n", nil},
		{"calls in function", "def result():\n    foo()\n    bar()\n", []string{"bar", "foo"}},
		{"module is sequential", "print(y)\ny = 1\n", []string{"y"}},
		{"functions are hoisted", "def f():\n    return g()\ndef g():\n    return 1\n", nil},
		{"parameters and locals", "def f(x):\n    y = x\n    return y\n", nil},
		{"class scope is hidden", "class A:\n    k = 1\n    def m(self):\n        return k\n", []string{"k"}},
		{"class body sees its own names", "class A:\n    k = 1\n    j = k + 1\n", nil},
		{"comprehension", "ys = [v * 2 for v in xs]\n", []string{"xs"}},
		{"nested comprehension", "zs = [a + b for a in xs for b in range(a)]\n", []string{"xs"}},
		{"dict comprehension", "d = {k: w for k, w in items}\n", []string{"items"}},
		{"try except NameError", "try:\n    z\nexcept NameError:\n    z = 1\n", nil},
		{"try other handler", "try:\n    z\nexcept KeyError:\n    pass\n", []string{"z"}},
		{"star import", "from os import *\nprint(path)\n", nil},
		{"global statement", "def f():\n    global g\n    g = 1\ndef h():\n    return g\n", nil},
		{"builtins and kernel names", "print(len([]))\ndisplay(1)\nget_ipython()\n", nil},
		{"with alias", "with open('f') as fh:\n    data = fh.read()\nprint(data)\n", nil},
		{"except alias", "try:\n    pass\nexcept ValueError as e:\n    print(e)\n", nil},
		{"walrus", "if (n := 10) > 5:\n    print(n)\n", nil},
		{"lambda", "f = lambda a: a + b\n", []string{"b"}},
		{"imports", "import numpy as np\nimport os.path\nnp.array([1])\nos.getcwd()\n", nil},
		{"magic line", "%matplotlib inline\nprint(q)\n", []string{"q"}},
		{"default evaluated outside", "def f(a=dflt):\n    return a\n", []string{"dflt"}},
		{"for targets", "for i, j in pairs:\n    total = i + j\n", []string{"pairs"}},
		{"closure", "def outer():\n    a = 1\n    def inner():\n        return a + b\n    return inner\n", []string{"b"}},
		{"augmented assignment", "counter += 1\n", []string{"counter"}},
		{"attribute target", "obj.x = 1\n", []string{"obj"}},
		{"keyword argument", "f(key=val)\n", []string{"f", "val"}},
		{"f-string", "name = 'a'\nprint(f'{name} {other}')\n", []string{"other"}},
		{"chained assignment", "a = b = 1\nprint(a, b)\n", nil},
		{"global set by called function", "def init():\n    global model\n    model = 3\ninit()\nprint(model)\n", nil},
		{"global cancels earlier read", "print(model)\ndef init():\n    global model\n    model = 1\n", nil},
		{"except alias ends with handler", "try:\n    pass\nexcept ValueError as e:\n    pass\nprint(e)\n", []string{"e"}},
		{"except alias restores shadowed name", "e = 1\ntry:\n    pass\nexcept ValueError as e:\n    pass\nprint(e)\n", nil},
		{"except alias in function", "def f():\n    try:\n        pass\n    except ValueError as err:\n        log(err)\n    return err\n", []string{"err", "log"}},
		{"del unbinds", "z = 1\ndel z\nprint(z)\n", []string{"z"}},
		{"conditional del keeps binding", "z = 1\nif cond:\n    del z\nprint(z)\n", []string{"cond"}},
		{"del unbound name", "del w\n", []string{"w"}},
		{"del attribute reads object", "del obj.attr\n", []string{"obj"}},
		{"del in function", "def f():\n    y = 1\n    del y\n    return y\n", []string{"y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UndefinedNames(tt.code)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheck_Definitions(t *testing.T) {
	code := "import math\nx = 1\ndef foo(a):\n    return math.sqrt(a) + x + y\nclass Model:\n    def fit(self):\n        return helper(self)\n"
	rep, err := Check(code)
	require.NoError(t, err)

	assert.Equal(t, []string{"helper", "y"}, rep.Undefined)
	assert.Equal(t, []string{"Model", "foo", "math", "x"}, rep.ModuleBindings)
	require.Len(t, rep.Definitions, 2)

	foo := rep.Definitions[0]
	assert.Equal(t, "foo", foo.Name)
	assert.Equal(t, "function", foo.Kind)
	assert.Equal(t, 3, foo.Line)
	assert.Equal(t, []string{"math", "x", "y"}, foo.Globals)

	model := rep.Definitions[1]
	assert.Equal(t, "Model", model.Name)
	assert.Equal(t, "class", model.Kind)
	assert.Equal(t, []string{"helper"}, model.Globals)
	assert.Greater(t, model.StartByte, foo.StartByte)
}

func TestCheck_GlobalDeclarationBindsModuleName(t *testing.T) {
	rep, err := Check("def init():\n    global model\n    model = 3\ninit()\n")
	require.NoError(t, err)
	assert.Empty(t, rep.Undefined)
	assert.Equal(t, []string{"init", "model"}, rep.ModuleBindings)
}

func TestCheck_RecursionIsNotAGlobal(t *testing.T) {
	rep, err := Check("def fact(n):\n    return 1 if n == 0 else n * fact(n - 1)\n")
	require.NoError(t, err)
	assert.Empty(t, rep.Undefined)
	require.Len(t, rep.Definitions, 1)
	assert.Empty(t, rep.Definitions[0].Globals)
}

func TestCheck_StarImportFlag(t *testing.T) {
	rep, err := Check("from numpy import *\n")
	require.NoError(t, err)
	assert.True(t, rep.StarImport)
}

func TestCheck_SyntaxError(t *testing.T) {
	_, err := Check("def broken(:\n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pyast.ErrSyntax))
}

func TestIsBuiltin(t *testing.T) {
	assert.True(t, IsBuiltin("print"))
	assert.True(t, IsBuiltin("get_ipython"))
	assert.False(t, IsBuiltin("numpy"))
}
